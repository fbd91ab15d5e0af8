// SPDX-License-Identifier: Apache-2.0

// Package defaults ships the default strategy catalog and templates.
package defaults

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/logging"
)

//go:embed strategies/* templates/*
var embeddedFiles embed.FS

const (
	strategiesDir = "strategies"
	templatesDir  = "templates"
)

// Strategies returns the embedded strategy catalogs, rooted at the catalog
// directory.
func Strategies() fs.FS {
	sub, err := fs.Sub(embeddedFiles, strategiesDir)
	if err != nil {
		// The directory is embedded at build time.
		panic(err)
	}
	return sub
}

// Config stores where remote defaults are fetched from.
type Config struct {
	// URL is the base URL of the remote defaults; it must serve manifest.json.
	URL       string
	UseRemote bool
	Timeout   time.Duration
	// Retries is the number of additional attempts per remote file.
	Retries int
}

// NewConfig creates the default configuration.
func NewConfig() Config {
	return Config{
		URL:       "https://raw.githubusercontent.com/kusari-oss/remedy-defaults/main",
		UseRemote: true,
		Timeout:   5 * time.Second,
		Retries:   2,
	}
}

// Manager installs default catalogs and templates into a remedy home.
type Manager struct {
	config Config
	client *http.Client
	logger *logging.Logger
}

// NewManager creates a defaults manager.
func NewManager(config Config, logger *logging.Logger) *Manager {
	return &Manager{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logging.OrNop(logger).Named("defaults"),
	}
}

// Install copies the defaults into strategiesTarget and templatesTarget.
// Remote defaults are tried first when enabled; any failure falls back to
// the embedded copy. It reports whether the remote defaults were used.
func (m *Manager) Install(ctx context.Context, strategiesTarget, templatesTarget string, useRemote bool) (bool, error) {
	if useRemote && m.config.UseRemote && m.config.URL != "" {
		err := m.installRemote(ctx, strategiesTarget, templatesTarget)
		if err == nil {
			m.logger.Info(ctx, "installed remote defaults", zap.String("url", m.config.URL))
			return true, nil
		}
		m.logger.Warn(ctx, "failed to fetch remote defaults, using embedded defaults", zap.Error(err))
	}

	if err := copyEmbeddedDir(strategiesDir, strategiesTarget); err != nil {
		return false, fmt.Errorf("error copying strategies: %w", err)
	}
	if err := copyEmbeddedDir(templatesDir, templatesTarget); err != nil {
		return false, fmt.Errorf("error copying templates: %w", err)
	}
	m.logger.Info(ctx, "installed embedded defaults")
	return false, nil
}

func copyEmbeddedDir(srcDir, dstDir string) error {
	entries, err := embeddedFiles.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("error reading directory %s: %w", srcDir, err)
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", dstDir, err)
	}

	for _, entry := range entries {
		srcPath := path.Join(srcDir, entry.Name())
		dstPath := filepath.Join(dstDir, entry.Name())
		if entry.IsDir() {
			if err := copyEmbeddedDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyEmbeddedFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyEmbeddedFile(srcPath, dstPath string) error {
	src, err := embeddedFiles.Open(srcPath)
	if err != nil {
		return fmt.Errorf("error opening source file %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("error creating destination file %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("error copying file content: %w", err)
	}
	return nil
}

type manifest struct {
	Files []string `json:"files"`
}

func (m *Manager) installRemote(ctx context.Context, strategiesTarget, templatesTarget string) error {
	body, err := m.fetch(ctx, m.config.URL+"/manifest.json")
	if err != nil {
		return fmt.Errorf("error fetching manifest: %w", err)
	}
	var mf manifest
	if err := json.Unmarshal(body, &mf); err != nil {
		return fmt.Errorf("error decoding manifest: %w", err)
	}

	for _, file := range mf.Files {
		category, rel, ok := strings.Cut(file, "/")
		if !ok || rel == "" || strings.Contains(rel, "..") {
			return fmt.Errorf("invalid manifest entry: %s", file)
		}
		var dstDir string
		switch category {
		case strategiesDir:
			dstDir = strategiesTarget
		case templatesDir:
			dstDir = templatesTarget
		default:
			return fmt.Errorf("unknown file category: %s", file)
		}

		data, err := m.fetch(ctx, m.config.URL+"/"+file)
		if err != nil {
			return fmt.Errorf("error downloading %s: %w", file, err)
		}
		dstPath := filepath.Join(dstDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			return fmt.Errorf("error creating directory for %s: %w", dstPath, err)
		}
		if err := os.WriteFile(dstPath, data, 0644); err != nil {
			return fmt.Errorf("error writing %s: %w", dstPath, err)
		}
	}
	return nil
}

// fetch downloads url, retrying transport errors and 5xx responses.
func (m *Manager) fetch(ctx context.Context, url string) ([]byte, error) {
	retries := m.config.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)

	var body []byte
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error, status: %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("file not found, status: %d", resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}, b)
	return body, err
}

// ListEmbeddedFiles returns the paths of all embedded default files.
func ListEmbeddedFiles() ([]string, error) {
	var files []string
	err := fs.WalkDir(embeddedFiles, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking embedded files: %w", err)
	}
	return files, nil
}
