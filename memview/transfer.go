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

// Transfer helpers: byte copies into, out of, and between views, driven by
// lock + fetch. The range is locked for the whole copy, pages are fetched
// one by one, bytes move through a transient access window, and the
// destination is marked dirty on page granularity.

import (
	"context"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/sarvex/managarm/physmem"
)

// CopyToView copies data into v at offset.
func CopyToView(ctx context.Context, v View, offset uint64, data []byte, mem physmem.Accessor) (err error) {
	defer xerr.Contextf(&err, "copy %d bytes -> view @%#x", len(data), offset)

	if len(data) == 0 {
		return nil
	}
	size := uint64(len(data))

	if err := v.AsyncLockRange(ctx, offset, size); err != nil {
		return err
	}
	defer v.UnlockRange(offset, size)

	for progress := uint64(0); progress < size; {
		rng, err := v.FetchRange(ctx, pageFloor(offset+progress))
		if err != nil {
			return err
		}
		misalign := (offset + progress) & (PageSize - 1)
		chunk := minu64(PageSize-misalign, size-progress)

		w := mem.Access(rng.Addr+physmem.Addr(misalign), chunk)
		copy(w, data[progress:progress+chunk])
		progress += chunk
	}

	// dirty every page the write touched
	misalign := offset & (PageSize - 1)
	v.MarkDirty(pageFloor(offset), pageCeil(size+misalign))
	return nil
}

// CopyFromView copies len(dest) bytes out of v at offset.
func CopyFromView(ctx context.Context, v View, offset uint64, dest []byte, mem physmem.Accessor) (err error) {
	defer xerr.Contextf(&err, "copy %d bytes <- view @%#x", len(dest), offset)

	if len(dest) == 0 {
		return nil
	}
	size := uint64(len(dest))

	if err := v.AsyncLockRange(ctx, offset, size); err != nil {
		return err
	}
	defer v.UnlockRange(offset, size)

	for progress := uint64(0); progress < size; {
		rng, err := v.FetchRange(ctx, pageFloor(offset+progress))
		if err != nil {
			return err
		}
		misalign := (offset + progress) & (PageSize - 1)
		chunk := minu64(PageSize-misalign, size-progress)

		copy(dest[progress:progress+chunk], mem.Access(rng.Addr+physmem.Addr(misalign), chunk))
		progress += chunk
	}
	return nil
}

// TransferBetweenViews copies size bytes from src@srcOffset to
// dest@destOffset, advancing by the smaller of the two sides' in-page
// residues.
func TransferBetweenViews(ctx context.Context, dest View, destOffset uint64, src View, srcOffset, size uint64, mem physmem.Accessor) (err error) {
	defer xerr.Contextf(&err, "transfer %d bytes: src@%#x -> dest@%#x", size, srcOffset, destOffset)

	if size == 0 {
		return nil
	}
	if err := checkRange(srcOffset, size, src.Length()); err != nil {
		return err
	}
	if destOffset >= dest.Length() || size > dest.Length()-destOffset {
		return ErrBufferTooSmall
	}

	if err := dest.AsyncLockRange(ctx, destOffset, size); err != nil {
		return err
	}
	defer dest.UnlockRange(destOffset, size)

	if err := src.AsyncLockRange(ctx, srcOffset, size); err != nil {
		return err
	}
	defer src.UnlockRange(srcOffset, size)

	for progress := uint64(0); progress < size; {
		dRng, err := dest.FetchRange(ctx, pageFloor(destOffset+progress))
		if err != nil {
			return err
		}
		sRng, err := src.FetchRange(ctx, pageFloor(srcOffset+progress))
		if err != nil {
			return err
		}

		dMis := (destOffset + progress) & (PageSize - 1)
		sMis := (srcOffset + progress) & (PageSize - 1)
		chunk := minu64(minu64(PageSize-dMis, PageSize-sMis), size-progress)

		copy(mem.Access(dRng.Addr+physmem.Addr(dMis), chunk),
			mem.Access(sRng.Addr+physmem.Addr(sMis), chunk))
		progress += chunk
	}

	misalign := destOffset & (PageSize - 1)
	dest.MarkDirty(pageFloor(destOffset), pageCeil(size+misalign))
	return nil
}
