// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/keybridge/keybridge/lib/checksum"
	"github.com/keybridge/keybridge/lib/netutil"
)

// HelperInstaller provisions the named-pipe relay helper binary:
// download the gzipped artifact and its checksum manifest, verify the
// SHA-256 digest, decompress, and install atomically. A checksum
// mismatch is fatal — an unverified binary is never installed.
type HelperInstaller struct {
	// InstallPath is where the helper executable is installed.
	InstallPath string

	// ArtifactURL is the gzipped helper artifact.
	ArtifactURL string

	// ChecksumURL is the published SHA-256 manifest covering the
	// artifact.
	ChecksumURL string

	// Client is the HTTP client for downloads. If nil, a client with
	// a 60s timeout is used.
	Client *http.Client

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

func (i *HelperInstaller) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

func (i *HelperInstaller) client() *http.Client {
	if i.Client != nil {
		return i.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Ensure installs the helper if it is not already present. Returns
// nil when the helper exists (no version check — delete the binary to
// force reinstall) or after a verified install.
func (i *HelperInstaller) Ensure(ctx context.Context) error {
	if info, err := os.Stat(i.InstallPath); err == nil && !info.IsDir() {
		return nil
	}
	if i.ArtifactURL == "" || i.ChecksumURL == "" {
		return fmt.Errorf("helper %s is missing and no download URLs are configured", i.InstallPath)
	}

	artifactName, err := artifactBaseName(i.ArtifactURL)
	if err != nil {
		return err
	}

	i.logger().Info("downloading pipe-relay helper",
		"artifact", i.ArtifactURL,
		"install_path", i.InstallPath,
	)

	manifest, err := i.fetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("fetching checksum manifest: %w", err)
	}

	artifactPath, err := i.downloadArtifact(ctx)
	if err != nil {
		return fmt.Errorf("downloading helper artifact: %w", err)
	}
	defer os.Remove(artifactPath)

	// Verification gate: a corrupted or truncated artifact must never
	// reach the install location.
	if err := checksum.VerifyFile(artifactPath, manifest, artifactName); err != nil {
		return fmt.Errorf("helper verification failed: %w", err)
	}

	if err := i.installVerified(artifactPath); err != nil {
		return err
	}

	i.logger().Info("pipe-relay helper installed", "path", i.InstallPath)
	return nil
}

// fetchManifest downloads and parses the checksum manifest.
func (i *HelperInstaller) fetchManifest(ctx context.Context) (*checksum.Manifest, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, i.ChecksumURL, nil)
	if err != nil {
		return nil, err
	}
	response, err := i.client().Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %s", i.ChecksumURL, response.Status)
	}

	data, err := netutil.ReadBounded(response.Body, netutil.MaxManifestSize)
	if err != nil {
		return nil, err
	}
	return checksum.ParseManifest(bytes.NewReader(data))
}

// downloadArtifact streams the artifact to a temporary file and
// returns its path. The caller removes the file.
func (i *HelperInstaller) downloadArtifact(ctx context.Context) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, i.ArtifactURL, nil)
	if err != nil {
		return "", err
	}
	response, err := i.client().Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %s", i.ArtifactURL, response.Status)
	}

	temporary, err := os.CreateTemp("", "keybridge-helper-*.gz")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(temporary, response.Body); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return "", err
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return "", err
	}
	return temporary.Name(), nil
}

// installVerified decompresses an already-verified artifact into the
// install path: write to a temporary file in the destination
// directory, set the executable mode, rename into place.
func (i *HelperInstaller) installVerified(artifactPath string) error {
	if err := os.MkdirAll(filepath.Dir(i.InstallPath), 0755); err != nil {
		return fmt.Errorf("creating install directory: %w", err)
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return err
	}
	defer artifact.Close()

	reader, err := gzip.NewReader(artifact)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}

	temporaryPath := i.InstallPath + ".tmp"
	destination, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("creating %s: %w", temporaryPath, err)
	}

	if _, err := io.Copy(destination, reader); err != nil {
		destination.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("decompressing helper: %w", err)
	}
	if err := destination.Close(); err != nil {
		os.Remove(temporaryPath)
		return err
	}

	if err := os.Rename(temporaryPath, i.InstallPath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("installing helper: %w", err)
	}
	return nil
}

// artifactBaseName extracts the filename used for manifest matching
// from the artifact URL.
func artifactBaseName(artifactURL string) (string, error) {
	parsed, err := url.Parse(artifactURL)
	if err != nil {
		return "", fmt.Errorf("parsing artifact URL: %w", err)
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("artifact URL %q has no filename", artifactURL)
	}
	return name, nil
}
