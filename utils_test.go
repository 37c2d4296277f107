//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nestybox/sysbox-iova/reservedRegions"
)

func verifyFileData(path string, data []byte) error {

	fileData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %v", path, err)
	}

	if !bytes.Equal(fileData, data) {
		return fmt.Errorf("file data mismatch: want %s, got %s", string(data), string(fileData))
	}

	return nil
}

func TestPidFile(t *testing.T) {

	pidFile := filepath.Join(t.TempDir(), pidFileName)

	if err := checkPidFile(pidFile); err != nil {
		t.Errorf("checkPidFile() with no pid file: %v", err)
	}

	if err := createPidFile(pidFile); err != nil {
		t.Fatalf("createPidFile() failed: %v", err)
	}

	if err := verifyFileData(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid()))); err != nil {
		t.Errorf("pid file: %v", err)
	}

	// we are alive, so the pid file is not stale
	if err := checkPidFile(pidFile); err == nil {
		t.Errorf("checkPidFile() on live pid: want error, got no error")
	}

	if err := createPidFile(pidFile); err == nil {
		t.Errorf("createPidFile() on existing file: want error, got no error")
	}

	if err := destroyPidFile(pidFile); err != nil {
		t.Errorf("destroyPidFile() failed: %v", err)
	}

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("pid file %s still present after destroyPidFile()", pidFile)
	}
}

func TestCheckStalePidFile(t *testing.T) {

	pidFile := filepath.Join(t.TempDir(), pidFileName)

	for _, data := range []string{"garbage\n", "0\n", "2147483646\n"} {
		if err := os.WriteFile(pidFile, []byte(data), 0400); err != nil {
			t.Fatalf("failed to write %s: %v", pidFile, err)
		}

		if err := checkPidFile(pidFile); err != nil {
			t.Errorf("checkPidFile(%q): %v", data, err)
		}

		if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
			t.Errorf("stale pid file (%q) was not removed", data)
		}
	}
}

func TestSetupRunDir(t *testing.T) {

	runDir := filepath.Join(t.TempDir(), "run", "iova-mgr")

	if err := setupRunDir(runDir); err != nil {
		t.Fatalf("setupRunDir() failed: %v", err)
	}

	fi, err := os.Stat(runDir)
	if err != nil || !fi.IsDir() {
		t.Errorf("run dir %s not created: %v", runDir, err)
	}
}

func TestReadReservedRegions(t *testing.T) {

	path := filepath.Join(t.TempDir(), "reserved_regions")
	data := "0x00000000fee00000 0x00000000feefffff msi\n0x0000000000000000 0x0000000000000fff direct\n"

	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}

	got, err := readReservedRegions(path, []string{reservedRegions.Msi})
	if err != nil {
		t.Fatalf("readReservedRegions() failed: %v", err)
	}

	want := []reservedRegions.Region{{Start: 0xfee00000, End: 0xfeefffff, Type: reservedRegions.Msi}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("readReservedRegions() mismatch (-want +got):\n%s", diff)
	}

	if _, err := readReservedRegions(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Errorf("readReservedRegions() on missing file: want error, got no error")
	}
}
