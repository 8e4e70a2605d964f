// Copyright (C) 2024-2026  The Managarm Authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package memview

import (
	"context"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/sarvex/managarm/physmem"
)

// HardwareView is a fixed physical window, e.g. a device BAR.
// Peek and fetch always succeed identically; nothing is ever paged or
// evicted.
type HardwareView struct {
	defaultView

	base   physmem.Addr
	length uint64
	mode   CachingMode
}

func NewHardwareView(base physmem.Addr, length uint64, mode CachingMode) (*HardwareView, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if length == 0 || length%PageSize != 0 || uint64(base)%PageSize != 0 {
		return nil, errors.WithMessagef(ErrFault, "hardware window [%#x +%d) not page aligned", base, length)
	}
	return &HardwareView{base: base, length: length, mode: mode}, nil
}

func (v *HardwareView) Length() uint64 { return v.length }

func (v *HardwareView) AddressIdentity(offset uint64) (AddressIdentity, error) {
	if err := checkRange(offset, 1, v.length); err != nil {
		return AddressIdentity{}, err
	}
	return AddressIdentity{Object: v, Offset: offset}, nil
}

func (v *HardwareView) LockRange(offset, size uint64) error {
	return checkRange(offset, size, v.length)
}

func (v *HardwareView) AsyncLockRange(ctx context.Context, offset, size uint64) error {
	return v.LockRange(offset, size)
}

func (v *HardwareView) UnlockRange(offset, size uint64) {}

func (v *HardwareView) PeekRange(offset uint64) (PhysicalRange, bool) {
	if checkRange(offset, 1, v.length) != nil {
		return PhysicalRange{}, false
	}
	aligned := pageFloor(offset)
	return PhysicalRange{
		Addr: v.base + physmem.Addr(aligned),
		Size: v.length - aligned,
		Mode: v.mode,
	}, true
}

func (v *HardwareView) FetchRange(ctx context.Context, offset uint64) (rng PhysicalRange, err error) {
	defer xerr.Contextf(&err, "hardware view: fetch %#x", offset)

	if err := checkRange(offset, 1, v.length); err != nil {
		return PhysicalRange{}, err
	}
	rng, _ = v.PeekRange(offset)
	return rng, nil
}
