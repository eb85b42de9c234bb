// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package models

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"
)

// NetworkPath describes the current network route.
type NetworkPath struct {
	// Wifi is true when an up, non-loopback wireless interface exists.
	Wifi bool

	// Interfaces lists the up, non-loopback interface names.
	Interfaces []string
}

// NetworkObserver reports network path changes. The channel receives the
// current path first, then one value per change, and is closed when ctx
// is done.
type NetworkObserver interface {
	Watch(ctx context.Context) <-chan NetworkPath
}

// InterfaceObserver polls the host's network interfaces.
//
// Wireless detection: on Linux an interface is wireless when
// /sys/class/net/<name>/wireless exists or its name starts with "wl"; on
// macOS en0 is treated as Wi-Fi, matching the built-in adapter on laptops.
type InterfaceObserver struct {
	// Interval defaults to 10 seconds.
	Interval time.Duration

	// SysClassNet defaults to /sys/class/net.
	SysClassNet string

	// List overrides net.Interfaces in tests.
	List func() ([]net.Interface, error)

	Logger *slog.Logger
}

// Watch implements NetworkObserver.
func (o *InterfaceObserver) Watch(ctx context.Context) <-chan NetworkPath {
	interval := o.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	out := make(chan NetworkPath, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *NetworkPath
		for {
			path, err := o.current()
			if err != nil {
				if o.Logger != nil {
					o.Logger.Debug("listing network interfaces failed", "error", err)
				}
			} else if last == nil || path.Wifi != last.Wifi || !slices.Equal(path.Interfaces, last.Interfaces) {
				select {
				case out <- path:
				case <-ctx.Done():
					return
				}
				last = &path
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (o *InterfaceObserver) current() (NetworkPath, error) {
	list := o.List
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return NetworkPath{}, err
	}
	var path NetworkPath
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		path.Interfaces = append(path.Interfaces, iface.Name)
		if o.isWireless(iface.Name) {
			path.Wifi = true
		}
	}
	slices.Sort(path.Interfaces)
	return path, nil
}

func (o *InterfaceObserver) isWireless(name string) bool {
	switch runtime.GOOS {
	case "darwin":
		return name == "en0"
	default:
		sys := o.SysClassNet
		if sys == "" {
			sys = "/sys/class/net"
		}
		if _, err := os.Stat(filepath.Join(sys, name, "wireless")); err == nil {
			return true
		}
		return strings.HasPrefix(name, "wl")
	}
}

// prefetchTarget is the part of *Manager the Prefetcher uses.
type prefetchTarget interface {
	State(ctx context.Context, id string) State
	StartDownload(ctx context.Context, id string) error
	Resumable(id string) bool
	Catalog() *Catalog
}

// Prefetcher downloads the default model when the host joins Wi-Fi.
type Prefetcher struct {
	target   prefetchTarget
	observer NetworkObserver
	logger   *slog.Logger
}

// NewPrefetcher creates a Prefetcher for manager.
func NewPrefetcher(manager prefetchTarget, observer NetworkObserver, logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prefetcher{target: manager, observer: observer, logger: logger}
}

// Run watches the network until ctx is done. On every transition onto a
// Wi-Fi path (including the initial observation) the default model is
// started unless it is installed, already downloading, or has used all
// its attempts.
func (p *Prefetcher) Run(ctx context.Context) {
	wasWifi := false
	for path := range p.observer.Watch(ctx) {
		if path.Wifi && !wasWifi {
			p.prefetch(ctx)
		}
		wasWifi = path.Wifi
	}
}

func (p *Prefetcher) prefetch(ctx context.Context) {
	id := p.target.Catalog().Default().ID
	switch p.target.State(ctx, id) {
	case StateDownloaded, StateDownloading:
		return
	}
	if !p.target.Resumable(id) {
		p.logger.Info("default model exhausted its attempts, not prefetching", "model_id", id)
		return
	}
	p.logger.Info("on Wi-Fi, prefetching default model", "model_id", id)
	if err := p.target.StartDownload(ctx, id); err != nil {
		p.logger.Warn("prefetch failed to start", "model_id", id, "error", err)
	}
}
