package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/launcher"
)

// InstallChrome downloads a Chromium build for the current OS/arch and
// returns the binary path. A zero revision uses rod's default.
func InstallChrome(ctx context.Context, revision int) (string, error) {
	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	return path, nil
}

// ResolveBinary returns binPath when set, otherwise a locally installed
// browser found by rod, downloading one when download is true.
func ResolveBinary(ctx context.Context, binPath string, download bool, revision int) (string, error) {
	if binPath != "" {
		return binPath, nil
	}
	if path, ok := launcher.LookPath(); ok {
		return path, nil
	}
	if !download {
		return "", fmt.Errorf("no chrome binary found; set --chrome-bin or enable --chrome-download")
	}
	return InstallChrome(ctx, revision)
}
