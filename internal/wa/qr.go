package wa

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/skip2/go-qrcode"
)

// writeQRFile renders a pairing code as a PNG under <storePath>/qr/,
// one file per tenant, overwritten on each code rotation. The upper
// layer serves this file to the tenant's browser.
func writeQRFile(code, storePath, tenantID string) (string, error) {
	dir := filepath.Join(storePath, "qr")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create qr directory: %w", err)
	}

	path := filepath.Join(dir, tenantID+".png")
	if err := qrcode.WriteFile(code, qrcode.Medium, 256, path); err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	return path, nil
}

// RemoveQRFile deletes a tenant's rendered pairing QR, if any. Called
// after pairing completes or the tenant is cleared.
func RemoveQRFile(storePath, tenantID string) {
	_ = os.Remove(filepath.Join(storePath, "qr", tenantID+".png"))
}
