package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMockProjectsFromPaths(t *testing.T) {
	projects := mockProjects([]string{"/work/blog", " ", "/work/shop"})
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	if projects[0].Name != "blog" || projects[0].Path != "/work/blog" {
		t.Fatalf("unexpected first project: %+v", projects[0])
	}
	if projects[1].Name != "shop" {
		t.Fatalf("unexpected second project: %+v", projects[1])
	}
}

func TestMockProjectsDefaultsToWorkingDirectory(t *testing.T) {
	projects := mockProjects(nil)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if projects[0].Path != wd {
		t.Fatalf("project path = %q, want %q", projects[0].Path, wd)
	}
	if projects[0].Name != filepath.Base(wd) {
		t.Fatalf("project name = %q, want %q", projects[0].Name, filepath.Base(wd))
	}
}
