package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// defaultEnvFiles are read by LoadEnvFiles when no paths are given.
var defaultEnvFiles = []string{".env.local", ".env"}

// LoadEnvFiles copies KEY=value pairs from dotenv files into the process
// environment. Variables already set are kept, so earlier files and the real
// environment win. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = defaultEnvFiles
	}
	for _, p := range paths {
		err := godotenv.Load(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
