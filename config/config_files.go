package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// ReadConfigFiles returns the contents of path, or of every .yaml and .yml file below it in
// lexical order of their absolute paths.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

// configFiles resolves path to config files. A file named directly is used whatever its
// extension, files found in a directory only when they look like yaml.
func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(p); ext != ".yaml" && ext != ".yml" {
			return nil
		}

		ap, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files = append(files, ap)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}
	slices.Sort(files)
	return files, nil
}
