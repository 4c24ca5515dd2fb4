package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"sitesync/internal/core"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"lock held", fmt.Errorf("checking out: %w", core.ErrLockHeld), exitLockHeld},
		{"config", fmt.Errorf("%w: bad", core.ErrConfig), exitConfig},
		{"journal missing", core.ErrJournalMissing, exitJournal},
		{"schema unknown", fmt.Errorf("open: %w", core.ErrSchemaUnknown), exitJournal},
		{"auth", fmt.Errorf("list: %w", core.ErrAuth), exitTransport},
		{"transport", core.ErrTransientTransport, exitTransport},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func pathsCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addPathFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

func TestReadPaths(t *testing.T) {
	list := filepath.Join(t.TempDir(), "files.txt")
	if err := os.WriteFile(list, []byte("# header\nOMOP/b.csv\n\n  OMOP/c.csv  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("file flags and list", func(t *testing.T) {
		got, err := readPaths(pathsCmd(t, "--file", "a.csv", "--file-list", list))
		if err != nil {
			t.Fatalf("readPaths() error = %v", err)
		}
		want := []string{"a.csv", "OMOP/b.csv", "OMOP/c.csv"}
		if !slices.Equal(got, want) {
			t.Errorf("readPaths() = %v, want %v", got, want)
		}
	})

	t.Run("nothing given", func(t *testing.T) {
		_, err := readPaths(pathsCmd(t))
		if !errors.Is(err, core.ErrConfig) {
			t.Errorf("readPaths() error = %v, want ErrConfig", err)
		}
	})

	t.Run("missing list", func(t *testing.T) {
		_, err := readPaths(pathsCmd(t, "--file-list", filepath.Join(t.TempDir(), "nope")))
		if err == nil {
			t.Fatal("readPaths() expected error for missing list")
		}
	})
}

func TestFlagParams(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addSelectionFlags(cmd)
	if err := cmd.ParseFlags([]string{"--version", "v1", "--modalities", "OMOP,Images", "extra"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	params := flagParams(cmd)
	if params["version"] != "v1" {
		t.Errorf("version = %v, want v1", params["version"])
	}
	if mods, ok := params["modalities"].([]string); !ok || !slices.Equal(mods, []string{"OMOP", "Images"}) {
		t.Errorf("modalities = %v, want [OMOP Images]", params["modalities"])
	}
	if _, ok := params["max-num-files"]; ok {
		t.Error("unset flag recorded")
	}
	if args, ok := params["args"].([]string); !ok || !slices.Equal(args, []string{"extra"}) {
		t.Errorf("args = %v, want [extra]", params["args"])
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"journal", "update"},
		{"journal", "upgrade"},
		{"file", "mark_as_uploaded_local"},
		{"remote", "download"},
		{"history"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil {
			t.Fatalf("Find(%v) error = %v", path, err)
		}
		if got, want := commandName(cmd), strings.Join(path, " "); got != want {
			t.Errorf("commandName() = %q, want %q", got, want)
		}
	}
}

