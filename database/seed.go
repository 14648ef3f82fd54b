/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const commonSeedDir = "common"

var seedOrderPattern = regexp.MustCompile(`^(\d+)_`)

// SeedFile is one .sql file picked up by a Seeder.
type SeedFile struct {
	Path        string
	Name        string
	Order       int
	Environment string
}

// SeedResult is the outcome of executing one SeedFile.
type SeedResult struct {
	File         string
	Duration     time.Duration
	RowsAffected int64
}

// Seeder executes the .sql files under <root>/common and then
// <root>/environments/<env>, ordered by their numeric "NN_" prefix. Each file
// runs in its own transaction on a single pooled connection. File contents are
// text/template documents rendered with the process environment plus
// ENVIRONMENT and TIMESTAMP.
type Seeder struct {
	root        string
	environment string
	logger      Logger
}

func NewSeeder(root, environment string) *Seeder {
	return &Seeder{root: root, environment: environment, logger: GetLogger()}
}

// SQLSeedHook returns an init hook that seeds the repository from root.
func SQLSeedHook(root, environment string) Hook {
	return func(ctx context.Context, repo *Repository) error {
		_, err := NewSeeder(root, environment).Run(ctx, repo)
		return err
	}
}

// Files lists the seed files in execution order.
func (s *Seeder) Files() ([]SeedFile, error) {
	files, err := s.filesIn(filepath.Join(s.root, commonSeedDir), commonSeedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list common seed files: %w", err)
	}
	envDir := filepath.Join(s.root, "environments", s.environment)
	if s.environment != "" {
		if _, err := os.Stat(envDir); err == nil {
			envFiles, err := s.filesIn(envDir, s.environment)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s seed files: %w", s.environment, err)
			}
			files = append(files, envFiles...)
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Environment != files[j].Environment {
			return files[i].Environment == commonSeedDir
		}
		if files[i].Order != files[j].Order {
			return files[i].Order < files[j].Order
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

func (s *Seeder) filesIn(dir, environment string) ([]SeedFile, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var files []SeedFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			return nil
		}
		files = append(files, SeedFile{
			Path:        path,
			Name:        d.Name(),
			Order:       seedOrder(d.Name()),
			Environment: environment,
		})
		return nil
	})
	return files, err
}

func seedOrder(name string) int {
	if m := seedOrderPattern.FindStringSubmatch(name); len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 999
}

// Run executes every seed file, stopping at the first failure.
func (s *Seeder) Run(ctx context.Context, repo *Repository) ([]SeedResult, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		s.logger.Debug("no seed files found", "root", s.root)
		return nil, nil
	}

	conn, err := repo.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	SilenceQueries(true)
	defer SilenceQueries(false)

	results := make([]SeedResult, 0, len(files))
	for _, f := range files {
		res, err := s.execFile(ctx, conn, f)
		if err != nil {
			s.logger.Error("seed file failed", "repository", repo.Name(), "file", f.Path, "error", err)
			return results, fmt.Errorf("seed file %s: %w", f.Path, err)
		}
		s.logger.Info("seed file executed", "repository", repo.Name(), "file", f.Name,
			"duration", res.Duration, "rows_affected", res.RowsAffected)
		results = append(results, res)
	}
	return results, nil
}

func (s *Seeder) execFile(ctx context.Context, conn *Conn, f SeedFile) (SeedResult, error) {
	start := time.Now()
	res := SeedResult{File: f.Path}

	content, err := os.ReadFile(f.Path)
	if err != nil {
		return res, fmt.Errorf("failed to read file: %w", err)
	}
	rendered, err := s.render(string(content))
	if err != nil {
		return res, err
	}
	statements := splitStatements(rendered)
	if len(statements) == 0 {
		return res, nil
	}

	if err := conn.Begin(ctx, TxOptimistic); err != nil {
		return res, err
	}
	for _, stmt := range statements {
		r, err := conn.IDB().ExecContext(ctx, stmt)
		if err != nil {
			_ = conn.Rollback(ctx)
			return res, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
		n, _ := r.RowsAffected()
		res.RowsAffected += n
	}
	if err := conn.Commit(ctx); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Seeder) render(content string) (string, error) {
	tmpl, err := template.New("seed").Option("missingkey=zero").Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	vars["ENVIRONMENT"] = s.environment
	vars["TIMESTAMP"] = time.Now().Format("2006-01-02 15:04:05")

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// splitStatements splits on lines ending in ";" and drops "--" comment lines.
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString(" ")
		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
