//
// Copyright 2019-2022 Nestybox, Inc.
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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nestybox/sysbox-iova/reservedRegions"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// readReservedRegions reads the reserved regions of an iommu group from the given
// sysfs file (e.g., /sys/kernel/iommu_groups/<n>/reserved_regions)
func readReservedRegions(path string, types []string) ([]reservedRegions.Region, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reserved regions file: %v", err)
	}
	defer f.Close()

	regions, err := reservedRegions.Parse(f, types)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}

	return regions, nil
}

func setupRunDir(runDir string) error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", runDir, err)
	}
	return nil
}

// checkPidFile returns an error if the given pid file belongs to a live process. A
// stale pid file (e.g., left behind after a SIGKILL) is removed.
func checkPidFile(pidFile string) error {

	data, err := os.ReadFile(pidFile)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid > 0 {
		if err := unix.Kill(pid, 0); err == nil || err == unix.EPERM {
			return fmt.Errorf("iova-mgr is already running (pid %d, per %s)", pid, pidFile)
		}
	}

	logrus.Infof("Removing stale pid file %s", pidFile)
	return destroyPidFile(pidFile)
}

// createPidFile writes the iova-mgr pid to a file. If the file already exists (e.g.,
// another iova-mgr instance is running), returns error.
func createPidFile(pidFile string) error {

	_, err := os.Stat(pidFile)
	if err == nil {
		return fmt.Errorf("%s exists", pidFile)
	} else if !os.IsNotExist(err) {
		return err
	}

	pidStr := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(pidFile, []byte(pidStr), 0400); err != nil {
		return fmt.Errorf("failed to write iova-mgr pid to file %s: %s", pidFile, err)
	}

	return nil
}

func destroyPidFile(pidFile string) error {
	return os.RemoveAll(pidFile)
}
