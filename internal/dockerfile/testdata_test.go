package dockerfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseTestdataFiles(t *testing.T) {
	testdataDir := "testdata"

	files, err := os.ReadDir(testdataDir)
	if err != nil {
		t.Fatalf("failed to read testdata directory: %v", err)
	}

	found := 0
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".dockerfile" {
			continue
		}
		found++
		t.Run(f.Name(), func(t *testing.T) {
			content, err := os.ReadFile(filepath.Join(testdataDir, f.Name()))
			if err != nil {
				t.Fatalf("failed to read file: %v", err)
			}

			df, err := Parse(content)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(df.Stages) == 0 {
				t.Fatal("expected at least one stage")
			}

			again, err := Parse([]byte(Format(df)))
			if err != nil {
				t.Fatalf("Parse(Format()) failed: %v", err)
			}
			sameInstructions(t, df, again)
		})
	}

	if found == 0 {
		t.Fatal("no testdata dockerfiles found")
	}
}
