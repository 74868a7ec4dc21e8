package main

import (
	"bytes"
	"testing"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()

	want := map[string]bool{"serve": false, "migrate": false}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--config", "/does/not/exist.yaml"})

	if err := root.Execute(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"migrate"})

	if err := root.Execute(); err == nil {
		t.Error("expected error without a database url")
	}
}
