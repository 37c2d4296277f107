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
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/google/uuid"
	"github.com/nestybox/sysbox-iova/idAlloc"
	"github.com/nestybox/sysbox-iova/intf"
	"github.com/nestybox/sysbox-iova/iovaAlloc"
	"github.com/nestybox/sysbox-iova/reservedRegions"
	"github.com/sirupsen/logrus"
)

var errDomainNotFound = errors.New("domain-not-found")

type domainInfo struct {
	did    uint32 // iommu domain id
	uuid   string // tags this domain instance in logs
	domain *iovaAlloc.Domain
}

type IovaMgr struct {
	mgrCfg      *mgrConfig
	didAlloc    intf.IDAllocator
	domainTable map[string]*domainInfo // domain name -> domain info
	dtLock      sync.Mutex // protects domainTable, pidFile and stopped
	pidFile     string
	stopped     bool
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// newIovaMgr creates an instance of the iova manager and sets up the domains listed
// in the given config
func newIovaMgr(cfg *mgrConfig) (*IovaMgr, error) {

	didAlloc, err := idAlloc.New(*cfg.DomainIDStart, cfg.DomainIDCount)
	if err != nil {
		return nil, fmt.Errorf("failed to setup domain id allocator: %v", err)
	}

	mgr := &IovaMgr{
		mgrCfg:      cfg,
		didAlloc:    didAlloc,
		domainTable: make(map[string]*domainInfo),
		stopCh:      make(chan struct{}),
	}

	logrus.Infof("Page size: %d", cfg.PageSize)

	for _, dc := range cfg.Domains {
		if err := mgr.setupDomain(dc); err != nil {
			mgr.destroyAll()
			return nil, fmt.Errorf("failed to setup domain %s: %v", dc.Name, err)
		}
	}

	return mgr, nil
}

// setupDomain creates a domain and applies its reservations
func (mgr *IovaMgr) setupDomain(dc domainConfig) error {

	startPfn := iovaAlloc.DefaultStartPfn
	if dc.StartPfn != nil {
		startPfn = *dc.StartPfn
	}

	if err := mgr.createDomain(dc.Name, startPfn, dc.Limit32Pfn); err != nil {
		return err
	}

	for _, path := range dc.ReservedRegions {
		regions, err := readReservedRegions(path, dc.ReservedTypes)
		if err != nil {
			return err
		}
		if err := mgr.reserveRegions(dc.Name, regions); err != nil {
			return err
		}
	}

	for _, r := range dc.Reserve {
		lo, hi := reservedRegions.Region{Start: r.Start, End: r.End}.PfnRange(mgr.mgrCfg.pageShift)
		if _, err := mgr.reserveIova(dc.Name, lo, hi); err != nil {
			return err
		}
	}

	// inherited reservations are best effort
	if dc.Inherit != "" {
		if err := mgr.copyReserved(dc.Inherit, dc.Name); err != nil {
			logrus.Warnf("domain %s: some reservations inherited from %s were not copied: %v",
				dc.Name, dc.Inherit, err)
		}
	}

	return nil
}

func (mgr *IovaMgr) createDomain(name string, startPfn, limit32Pfn uint64) error {

	mgr.dtLock.Lock()
	defer mgr.dtLock.Unlock()

	if _, found := mgr.domainTable[name]; found {
		return fmt.Errorf("domain %s exists", name)
	}

	did, err := mgr.didAlloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("failed to allocate domain id: %v", err)
	}

	info := &domainInfo{
		did:    did,
		uuid:   uuid.New().String(),
		domain: iovaAlloc.NewWithStart(startPfn, limit32Pfn),
	}

	mgr.domainTable[name] = info

	logrus.WithFields(logrus.Fields{
		"domain": name,
		"id":     did,
		"uuid":   info.uuid,
	}).Infof("Created domain (start pfn %#x, 32-bit limit pfn %#x)", startPfn, limit32Pfn)

	return nil
}

func (mgr *IovaMgr) destroyDomain(name string) error {

	mgr.dtLock.Lock()
	info, found := mgr.domainTable[name]
	if !found {
		mgr.dtLock.Unlock()
		return errDomainNotFound
	}
	delete(mgr.domainTable, name)
	mgr.dtLock.Unlock()

	info.domain.Put()

	if err := mgr.didAlloc.Free(info.did); err != nil {
		logrus.Warnf("failed to free domain id %d: %v", info.did, err)
	}

	logrus.WithFields(logrus.Fields{
		"domain": name,
		"uuid":   info.uuid,
	}).Info("Destroyed domain")

	return nil
}

func (mgr *IovaMgr) destroyAll() {

	mgr.dtLock.Lock()
	names := make([]string, 0, len(mgr.domainTable))
	for name := range mgr.domainTable {
		names = append(names, name)
	}
	mgr.dtLock.Unlock()

	for _, name := range names {
		mgr.destroyDomain(name)
	}
}

func (mgr *IovaMgr) lookup(name string) (*domainInfo, error) {

	mgr.dtLock.Lock()
	defer mgr.dtLock.Unlock()

	info, found := mgr.domainTable[name]
	if !found {
		return nil, errDomainNotFound
	}
	return info, nil
}

func (mgr *IovaMgr) allocIova(name string, size, limitPfn uint64, sizeAligned bool) (iovaAlloc.Range, error) {

	info, err := mgr.lookup(name)
	if err != nil {
		return iovaAlloc.Range{}, err
	}

	return info.domain.Alloc(size, limitPfn, sizeAligned)
}

func (mgr *IovaMgr) findIova(name string, pfn uint64) (iovaAlloc.Range, bool, error) {

	info, err := mgr.lookup(name)
	if err != nil {
		return iovaAlloc.Range{}, false, err
	}

	r, found := info.domain.Find(pfn)
	return r, found, nil
}

func (mgr *IovaMgr) freeIova(name string, pfn uint64) error {

	info, err := mgr.lookup(name)
	if err != nil {
		return err
	}

	info.domain.Free(pfn)
	return nil
}

func (mgr *IovaMgr) reserveIova(name string, pfnLo, pfnHi uint64) (iovaAlloc.Range, error) {

	info, err := mgr.lookup(name)
	if err != nil {
		return iovaAlloc.Range{}, err
	}

	return info.domain.Reserve(pfnLo, pfnHi)
}

// reserveRegions reserves the pfns backing the given reserved regions
func (mgr *IovaMgr) reserveRegions(name string, regions []reservedRegions.Region) error {

	for _, region := range regions {
		lo, hi := region.PfnRange(mgr.mgrCfg.pageShift)

		r, err := mgr.reserveIova(name, lo, hi)
		if err != nil {
			return fmt.Errorf("failed to reserve region %v: %v", region, err)
		}

		logrus.Debugf("domain %s: reserved region %v -> %v", name, region, r)
	}

	return nil
}

// copyReserved copies all reservations of domain 'from' into domain 'to'
func (mgr *IovaMgr) copyReserved(from, to string) error {

	src, err := mgr.lookup(from)
	if err != nil {
		return fmt.Errorf("%s: %w", from, err)
	}

	dst, err := mgr.lookup(to)
	if err != nil {
		return fmt.Errorf("%s: %w", to, err)
	}

	return iovaAlloc.CopyReserved(src.domain, dst.domain)
}

// dumpDomains writes the layout of all domains to w
func (mgr *IovaMgr) dumpDomains(w io.Writer) {

	mgr.dtLock.Lock()
	names := make([]string, 0, len(mgr.domainTable))
	for name := range mgr.domainTable {
		names = append(names, name)
	}
	mgr.dtLock.Unlock()

	sort.Strings(names)

	for _, name := range names {
		info, err := mgr.lookup(name)
		if err != nil {
			continue
		}

		ranges := info.domain.Ranges()

		fmt.Fprintf(w, "domain %s (id %d, uuid %s): start pfn %#x, 32-bit limit pfn %#x, %d ranges\n",
			name, info.did, info.uuid, info.domain.StartPfn(), info.domain.Limit32Pfn(), len(ranges))

		for _, r := range ranges {
			fmt.Fprintf(w, "\t%v (%d pages)\n", r, r.Size())
		}
	}
}

// Start notifies systemd that iova-mgr is ready and blocks until Stop() is called.
func (mgr *IovaMgr) Start(pidFile string) error {

	mgr.dtLock.Lock()
	if mgr.stopped {
		mgr.dtLock.Unlock()
		logrus.Info("Stopped before start.")
		return nil
	}
	if pidFile != "" {
		if err := createPidFile(pidFile); err != nil {
			mgr.dtLock.Unlock()
			return fmt.Errorf("failed to create pid file: %s", err)
		}
		mgr.pidFile = pidFile
	}
	mgr.dtLock.Unlock()

	systemd.SdNotify(false, systemd.SdNotifyReady)

	logrus.Info("Ready ...")

	<-mgr.stopCh
	return nil
}

func (mgr *IovaMgr) Stop() error {

	mgr.stopOnce.Do(func() {
		logrus.Info("Stopping (gracefully) ...")

		systemd.SdNotify(false, systemd.SdNotifyStopping)

		mgr.dtLock.Lock()
		if len(mgr.domainTable) > 0 {
			logrus.Warn("The following domains are active and will be torn down:")
			for name, info := range mgr.domainTable {
				logrus.Warnf("domain: %s (id %d, %d ranges)", name, info.did, info.domain.Len())
			}
		}
		mgr.stopped = true
		pidFile := mgr.pidFile
		mgr.dtLock.Unlock()

		mgr.destroyAll()

		if pidFile != "" {
			if err := destroyPidFile(pidFile); err != nil {
				logrus.Warnf("failed to destroy iova-mgr pid file: %v", err)
			}
		}

		close(mgr.stopCh)

		logrus.Info("Stopped.")
	})

	return nil
}
