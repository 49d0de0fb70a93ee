// Package image defines the recovery image record consumed by the flash
// pipeline.
package image

import (
	"fmt"
	"strings"
)

// RecoveryImage describes one flashable recovery payload as published by
// the image catalog.
type RecoveryImage struct {
	Channel       string `json:"channel"`
	Model         string `json:"model"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	Version       string `json:"version"`
	ChromeVersion string `json:"chrome_version"`
	Manufacturer  string `json:"manufacturer"`
	HWIDMatch     string `json:"hwidmatch"`
	FileSize      int64  `json:"filesize"`
	ZipFileSize   int64  `json:"zipfilesize"`
	MD5           string `json:"md5"`
	SHA1          string `json:"sha1"`
}

// Flashable reports whether the image carries everything needed to flash
// it: a source URL and both expected digests.
func (r *RecoveryImage) Flashable() bool {
	return r.URL != "" && strings.TrimSpace(r.MD5) != "" && strings.TrimSpace(r.SHA1) != ""
}

// TargetFilename is the name written into a file-system volume.
func (r *RecoveryImage) TargetFilename() string {
	version := r.ChromeVersion
	if version == "" {
		version = r.Version
	}
	return fmt.Sprintf("ChromeOS_Recovery_%s.bin", version)
}

// DisplayName returns the most specific human label available.
func (r *RecoveryImage) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Model != "" {
		return r.Model
	}
	return r.URL
}
