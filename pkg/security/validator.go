package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Validator guards the inputs the flash pipeline takes from outside: the
// declared payload size and the file name written into a volume.
type Validator struct {
	maxImageSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxImageSize int64) *Validator {
	slog.Info("security_validator_init", "max_image_size_mb", maxImageSize/1024/1024)

	return &Validator{maxImageSize: maxImageSize}
}

// ValidateImageSize checks a declared or streamed payload size.
// A size of zero or less means unknown and is accepted.
func (v *Validator) ValidateImageSize(size int64) error {
	if v == nil || v.maxImageSize <= 0 {
		return nil
	}
	if size > v.maxImageSize {
		slog.Error("security_image_size_exceeded",
			"image_size_mb", size/1024/1024,
			"max_image_size_mb", v.maxImageSize/1024/1024)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// MaxImageSize returns the configured limit, zero when unlimited.
func (v *Validator) MaxImageSize() int64 {
	if v == nil {
		return 0
	}
	return v.maxImageSize
}

// ValidatePath checks for path traversal attacks in a path relative to a
// target directory.
func (v *Validator) ValidatePath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("security: empty path")
	}

	// Reject absolute paths
	if filepath.IsAbs(relPath) {
		slog.Error("security_path_validation_failed", "path", relPath, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", relPath)
	}

	clean := filepath.Clean(relPath)

	// Reject paths that start with .. (escape current directory)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", relPath, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", relPath)
	}

	return nil
}

// ValidateFilename requires a single path element: the file must land
// directly in the target volume.
func (v *Validator) ValidateFilename(name string) error {
	if err := v.ValidatePath(name); err != nil {
		return err
	}
	if name == "." || strings.ContainsAny(name, `/\`) {
		slog.Error("security_filename_validation_failed", "name", name, "reason", "not_a_single_element")
		return fmt.Errorf("security: filename must not contain separators: %s", name)
	}
	return nil
}
