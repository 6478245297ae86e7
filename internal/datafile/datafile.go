// Package datafile reads the query/update records that package sender's Run
// feeds to [internal/wire.Context.BuildRequest], looping the input up to a
// configured number of times.
package datafile

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// Status is the outcome of a [DataFile.Next] call.
type Status int

// Status values.
const (
	StatusOK Status = iota
	StatusEOF
	StatusInvalidFile
)

// ErrClosed is returned by operations on a closed [DataFile].
const ErrClosed errors.Error = "data file is closed"

// DataFile is an input file of newline-separated records, safe for
// single-consumer access only: exactly one goroutine (a shard's sender) is
// expected to call [DataFile.Next].
type DataFile struct {
	lines   []string
	pos     int
	maxRuns uint32
	nruns   uint32
	closed  bool

	// wake is stored by SetPipeFD and never read. Since the whole input is
	// buffered in memory up front (see Open), Next itself never blocks on
	// I/O; wake exists for API symmetry with spec.md's set_pipe_fd.
	wake io.Reader
}

// Open reads every record out of path (or, when path is "-", out of stdin)
// into memory and returns a [DataFile] ready to serve them round-robin.
// Lines that are empty or start with ';' (a comment, matching dnsperf's
// input format) are skipped.
func Open(path string) (df *DataFile, err error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, oerr := os.Open(path)
		if oerr != nil {
			return nil, oerr
		}
		defer f.Close()

		r = f
	}

	lines, err := readRecords(r)
	if err != nil {
		return nil, err
	}

	if len(lines) == 0 {
		return nil, errors.Error("data file: no records")
	}

	return &DataFile{lines: lines}, nil
}

func readRecords(r io.Reader) (lines []string, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		lines = append(lines, line)
	}

	if err = sc.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

// SetMaxRuns caps the number of times the input is replayed; 0 means
// unlimited.
func (df *DataFile) SetMaxRuns(n uint32) { df.maxRuns = n }

// SetPipeFD stores an interrupt-pipe reader; [DataFile.Next] does not read
// it, see the [DataFile.wake] field doc.
func (df *DataFile) SetPipeFD(r io.Reader) { df.wake = r }

// Next returns the next record. isUpdate is accepted for symmetry with
// spec.md's contract but does not affect how lines are read — a record's
// own text decides whether it parses as a query or an update, in
// package wire.
func (df *DataFile) Next(isUpdate bool) (record string, status Status, err error) {
	_ = isUpdate

	if df.closed {
		return "", StatusInvalidFile, ErrClosed
	}

	if df.pos >= len(df.lines) {
		if df.maxRuns > 0 && df.nruns+1 >= df.maxRuns {
			return "", StatusEOF, nil
		}

		df.pos = 0
		df.nruns++
	}

	record = df.lines[df.pos]
	df.pos++

	return record, StatusOK, nil
}

// NRuns returns how many times the input has fully wrapped around.
func (df *DataFile) NRuns() (n uint32) { return df.nruns }

// Close marks the file closed; further [DataFile.Next] calls fail.
func (df *DataFile) Close() (err error) {
	df.closed = true

	return nil
}
