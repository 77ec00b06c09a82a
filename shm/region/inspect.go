package region

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joshuapare/shmkit/internal/format"
	"github.com/joshuapare/shmkit/internal/mmfile"
)

// Info is a read-only view of a region file's header and extent directory.
type Info struct {
	Version     uint32
	Size        int
	Used        int
	Instance    uuid.UUID
	Created     time.Time
	LastCommit  time.Time
	ResumeCount int
	Primary     uint32
	Secondary   uint32
	Clean       bool
	Initialized bool
	Extents     []ExtentInfo
}

// ExtentInfo is one directory entry.
type ExtentInfo struct {
	Name string
	Off  int
	Size int
}

// Inspect reads the header of the region file at path without locking or
// modifying it. It works on a region another process has open.
func Inspect(path string) (info Info, err error) {
	data, unmap, err := mmfile.Map(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { err = errors.Join(err, unmap()) }()

	hdr, err := format.ParseHeader(data)
	if err != nil {
		return Info{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	info = Info{
		Version:     hdr.Version,
		Size:        len(data),
		Used:        int(hdr.Bump),
		Instance:    uuid.UUID(hdr.InstanceID),
		Created:     time.Unix(0, hdr.CreatedUnixNano),
		ResumeCount: int(hdr.ResumeCount),
		Primary:     hdr.PrimarySequence,
		Secondary:   hdr.SecondarySequence,
		Clean:       hdr.PrimarySequence == hdr.SecondarySequence,
		Initialized: hdr.Flags&format.FlagInitialized != 0,
	}
	if hdr.LastCommitNano != 0 {
		info.LastCommit = time.Unix(0, hdr.LastCommitNano)
	}
	for i := 0; i < int(hdr.ExtentCount); i++ {
		e, err := format.ParseDirEntry(data, i)
		if err != nil {
			return Info{}, fmt.Errorf("inspect %s: %w", path, err)
		}
		info.Extents = append(info.Extents, ExtentInfo{Name: e.Name, Off: int(e.Offset), Size: int(e.Size)})
	}
	return info, nil
}
