package fastscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

// NTFS on-disk constants.
const (
	attrFileName = 0x30
	attrData     = 0x80
	attrEnd      = 0xFFFFFFFF

	recordInUse     = 0x0001
	recordDirectory = 0x0002

	namespaceDOS = 2

	// RootRecord is the MFT record number of a volume's root directory.
	RootRecord = 5

	fixupStride = 512
	readChunk   = 1 << 20
)

var (
	// ErrNotNTFS is returned when the boot sector is not an NTFS one.
	ErrNotNTFS = errors.New("not an NTFS volume")

	errBadRecord = errors.New("malformed file record")
)

// FileRecord is the decoded subset of one in-use base MFT record.
type FileRecord struct {
	Number uint64
	Parent uint64
	Name   string
	IsDir  bool
	Size   int64
}

// MFT reads the master file table of an NTFS volume from a raw device.
type MFT struct {
	r           io.ReaderAt
	clusterSize int64
	recordSize  int64
	runs        []dataRun
	size        int64
}

type dataRun struct {
	vcn    int64 // first virtual cluster of the run
	lcn    int64 // first logical cluster, -1 for sparse runs
	length int64 // clusters
}

// OpenMFT parses the boot sector and the $MFT record itself to locate the
// table's extents.
func OpenMFT(r io.ReaderAt) (*MFT, error) {
	boot := make([]byte, 512)
	if _, err := r.ReadAt(boot, 0); err != nil {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}
	if string(boot[3:11]) != "NTFS    " {
		return nil, ErrNotNTFS
	}

	bytesPerSector := int64(binary.LittleEndian.Uint16(boot[0x0B:]))
	sectorsPerCluster := int64(boot[0x0D])
	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return nil, fmt.Errorf("%w: zero geometry", ErrNotNTFS)
	}
	clusterSize := bytesPerSector * sectorsPerCluster
	mftLCN := int64(binary.LittleEndian.Uint64(boot[0x30:]))

	var recordSize int64
	if v := int8(boot[0x40]); v < 0 {
		recordSize = 1 << uint(-v)
	} else {
		recordSize = int64(v) * clusterSize
	}
	if recordSize < fixupStride || recordSize > 64*1024 {
		return nil, fmt.Errorf("%w: record size %d", ErrNotNTFS, recordSize)
	}

	m := &MFT{r: r, clusterSize: clusterSize, recordSize: recordSize}

	rec := make([]byte, recordSize)
	if _, err := r.ReadAt(rec, mftLCN*clusterSize); err != nil {
		return nil, fmt.Errorf("read $MFT record: %w", err)
	}
	if err := applyFixups(rec); err != nil {
		return nil, fmt.Errorf("$MFT record: %w", err)
	}

	runs, size, err := unnamedDataRuns(rec)
	if err != nil {
		return nil, fmt.Errorf("$MFT data attribute: %w", err)
	}
	m.runs = runs
	m.size = size
	return m, nil
}

// RecordCount is the number of record slots in the table.
func (m *MFT) RecordCount() int64 {
	return m.size / m.recordSize
}

// Scan decodes every record in table order and calls fn for each in-use
// base record that carries a file name. Malformed records are skipped.
// Returning an error from fn stops the scan with that error.
func (m *MFT) Scan(fn func(FileRecord) error) error {
	buf := make([]byte, readChunk-readChunk%m.recordSize)

	for _, run := range m.runs {
		runStart := run.vcn * m.clusterSize
		runBytes := run.length * m.clusterSize
		if runStart >= m.size {
			break
		}
		if runStart+runBytes > m.size {
			runBytes = m.size - runStart
		}

		for done := int64(0); done < runBytes; {
			n := min(int64(len(buf)), runBytes-done)
			n -= n % m.recordSize
			if n == 0 {
				break
			}
			chunk := buf[:n]

			if run.lcn < 0 {
				// Sparse: no records here.
				done += n
				continue
			}
			got, err := m.r.ReadAt(chunk, run.lcn*m.clusterSize+done)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read MFT at vcn %d: %w", run.vcn, err)
			}
			clear(chunk[got:])

			for off := int64(0); off < n; off += m.recordSize {
				number := uint64((runStart + done + off) / m.recordSize)
				rec, ok := decodeRecord(chunk[off:off+m.recordSize], number)
				if !ok {
					continue
				}
				if err := fn(rec); err != nil {
					return err
				}
			}
			done += n
		}
	}
	return nil
}

// decodeRecord returns the name, parent, kind and size of an in-use base
// record. The slice is modified by fixup application.
func decodeRecord(rec []byte, number uint64) (FileRecord, bool) {
	if string(rec[0:4]) != "FILE" {
		return FileRecord{}, false
	}
	if err := applyFixups(rec); err != nil {
		return FileRecord{}, false
	}

	flags := binary.LittleEndian.Uint16(rec[0x16:])
	if flags&recordInUse == 0 {
		return FileRecord{}, false
	}
	if binary.LittleEndian.Uint64(rec[0x20:]) != 0 {
		// Extension record; its base record carries the name.
		return FileRecord{}, false
	}

	out := FileRecord{Number: number, IsDir: flags&recordDirectory != 0}
	haveName, haveData := false, false
	nameSpace := byte(0xFF)
	var fileNameSize int64

	err := eachAttribute(rec, func(typ uint32, attr []byte) error {
		switch typ {
		case attrFileName:
			content, ok := residentContent(attr)
			if !ok || len(content) < 0x42 {
				return nil
			}
			ns := content[0x41]
			// Prefer a Win32 or POSIX name over the 8.3 DOS alias.
			if haveName && (ns == namespaceDOS || nameSpace != namespaceDOS) {
				return nil
			}
			nameLen := int(content[0x40])
			if len(content) < 0x42+nameLen*2 {
				return errBadRecord
			}
			out.Parent = binary.LittleEndian.Uint64(content[0:]) & 0x0000FFFFFFFFFFFF
			out.Name = decodeUTF16(content[0x42 : 0x42+nameLen*2])
			fileNameSize = int64(binary.LittleEndian.Uint64(content[0x30:]))
			nameSpace = ns
			haveName = true
		case attrData:
			if attr[9] != 0 || haveData {
				// Named streams are alternate data streams.
				return nil
			}
			if attr[8] == 0 {
				content, ok := residentContent(attr)
				if ok {
					out.Size = int64(len(content))
					haveData = true
				}
			} else if len(attr) >= 0x38 {
				out.Size = int64(binary.LittleEndian.Uint64(attr[0x30:]))
				haveData = true
			}
		}
		return nil
	})
	if err != nil || !haveName {
		return FileRecord{}, false
	}

	if out.IsDir {
		out.Size = 0
	} else if !haveData {
		out.Size = fileNameSize
	}
	return out, true
}

// applyFixups verifies and undoes the update sequence array protecting the
// last two bytes of every 512-byte stride.
func applyFixups(rec []byte) error {
	if len(rec) < 8 {
		return errBadRecord
	}
	usaOff := int(binary.LittleEndian.Uint16(rec[4:]))
	usaCount := int(binary.LittleEndian.Uint16(rec[6:]))
	if usaCount == 0 || usaOff+usaCount*2 > len(rec) || (usaCount-1)*fixupStride > len(rec) {
		return errBadRecord
	}

	usn := rec[usaOff : usaOff+2]
	for i := 1; i < usaCount; i++ {
		end := i*fixupStride - 2
		if rec[end] != usn[0] || rec[end+1] != usn[1] {
			return fmt.Errorf("%w: torn write in stride %d", errBadRecord, i)
		}
		rec[end] = rec[usaOff+2*i]
		rec[end+1] = rec[usaOff+2*i+1]
	}
	return nil
}

func eachAttribute(rec []byte, fn func(typ uint32, attr []byte) error) error {
	off := int(binary.LittleEndian.Uint16(rec[0x14:]))
	for off+8 <= len(rec) {
		typ := binary.LittleEndian.Uint32(rec[off:])
		if typ == attrEnd {
			return nil
		}
		length := int(binary.LittleEndian.Uint32(rec[off+4:]))
		if length < 16 || off+length > len(rec) {
			return errBadRecord
		}
		if err := fn(typ, rec[off:off+length]); err != nil {
			return err
		}
		off += length
	}
	return errBadRecord
}

func residentContent(attr []byte) ([]byte, bool) {
	if len(attr) < 0x18 || attr[8] != 0 {
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(attr[0x10:]))
	start := int(binary.LittleEndian.Uint16(attr[0x14:]))
	if start+size > len(attr) {
		return nil, false
	}
	return attr[start : start+size], true
}

// unnamedDataRuns finds the non-resident unnamed $DATA attribute of a record
// and decodes its run list and real size.
func unnamedDataRuns(rec []byte) ([]dataRun, int64, error) {
	var (
		runs  []dataRun
		size  int64
		found bool
	)
	err := eachAttribute(rec, func(typ uint32, attr []byte) error {
		if typ != attrData || attr[9] != 0 || attr[8] == 0 || found {
			return nil
		}
		if len(attr) < 0x40 {
			return errBadRecord
		}
		runOff := int(binary.LittleEndian.Uint16(attr[0x20:]))
		size = int64(binary.LittleEndian.Uint64(attr[0x30:]))
		if runOff >= len(attr) {
			return errBadRecord
		}
		var err error
		runs, err = decodeRuns(attr[runOff:])
		found = true
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, errors.New("no non-resident data attribute")
	}
	return runs, size, nil
}

// decodeRuns decodes an NTFS mapping-pairs array. Each pair starts with a
// header byte: low nibble = size of the length field, high nibble = size of
// the signed LCN delta (zero for sparse runs).
func decodeRuns(b []byte) ([]dataRun, error) {
	var (
		runs []dataRun
		vcn  int64
		lcn  int64
	)
	for i := 0; i < len(b) && b[i] != 0; {
		lenSize := int(b[i] & 0x0F)
		offSize := int(b[i] >> 4)
		i++
		if lenSize == 0 || lenSize > 8 || offSize > 8 || i+lenSize+offSize > len(b) {
			return nil, errBadRecord
		}

		var length int64
		for j := lenSize - 1; j >= 0; j-- {
			length = length<<8 | int64(b[i+j])
		}
		i += lenSize

		run := dataRun{vcn: vcn, lcn: -1, length: length}
		if offSize > 0 {
			var delta int64
			for j := offSize - 1; j >= 0; j-- {
				delta = delta<<8 | int64(b[i+j])
			}
			// Sign-extend.
			shift := uint(64 - 8*offSize)
			delta = delta << shift >> shift
			lcn += delta
			run.lcn = lcn
		}
		i += offSize

		runs = append(runs, run)
		vcn += length
	}
	return runs, nil
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}
