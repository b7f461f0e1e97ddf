// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyFileMD5Match(t *testing.T) {
	path := writeTempFile(t, "the quick brown fox")
	sum := md5.Sum([]byte("the quick brown fox"))
	rec := FileRecord{MD5: hex.EncodeToString(sum[:])}
	if err := verifyFile(path, rec, EngineOptions{VerifyMD5: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyFileMD5Mismatch(t *testing.T) {
	path := writeTempFile(t, "the quick brown fox")
	rec := FileRecord{MD5: "0000000000000000000000000000000"}
	err := verifyFile(path, rec, EngineOptions{VerifyMD5: true})
	var ie *IntegrityError
	if err == nil {
		t.Fatal("expected an integrity error")
	}
	if !asIntegrityError(err, &ie) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if ie.Kind != "md5" {
		t.Fatalf("expected kind md5, got %q", ie.Kind)
	}
}

func TestVerifyFilePrefersSHA1WhenMD5Absent(t *testing.T) {
	path := writeTempFile(t, "payload")
	sum := sha1.Sum([]byte("payload"))
	rec := FileRecord{SHA1: hex.EncodeToString(sum[:])}
	opts := EngineOptions{ChecksumPreference: []string{"md5", "sha1", "crc32"}}
	if err := verifyFile(path, rec, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyFileFallsBackToCRC32(t *testing.T) {
	path := writeTempFile(t, "crc payload")
	sum := crc32.ChecksumIEEE([]byte("crc payload"))
	want := hex.EncodeToString([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})
	rec := FileRecord{CRC32: want}
	opts := EngineOptions{ChecksumPreference: []string{"md5", "sha1", "crc32"}}
	if err := verifyFile(path, rec, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyFileNoDigestAvailableIsOK(t *testing.T) {
	path := writeTempFile(t, "untracked")
	rec := FileRecord{}
	if err := verifyFile(path, rec, EngineOptions{VerifyMD5: true, ChecksumPreference: []string{"md5"}}); err != nil {
		t.Fatalf("expected no error when no digest is present, got %v", err)
	}
}

// asIntegrityError avoids importing errors.As twice across test files;
// it is a thin local helper kept next to the test it serves.
func asIntegrityError(err error, target **IntegrityError) bool {
	ie, ok := err.(*IntegrityError)
	if !ok {
		return false
	}
	*target = ie
	return true
}
