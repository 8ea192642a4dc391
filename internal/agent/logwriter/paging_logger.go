package logwriter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	pageUploadName  = "CustomToolLog"
	blockUploadName = "ResultsLog"
)

// Uploader accepts completed pages and blocks. JobServerQueue implements it.
type Uploader interface {
	QueueFileUpload(timelineId string, recordId string, attachmentType string, name string, path string, deleteSource bool)
	QueueResultsUpload(recordId string, name string, path string, attachmentType string, deleteSource bool, finalize bool, firstBlock bool, totalLines int64)
}

// rollingFile is one of the two on-disk buffers a PagingLogger writes every line to.
type rollingFile struct {
	extension string
	limit     int64

	file     *os.File
	writer   *bufio.Writer
	path     string
	bytes    int64
	sequence int
}

func (f *rollingFile) open(directory string, prefix string) error {
	f.sequence++
	f.bytes = 0
	f.path = filepath.Join(directory, fmt.Sprintf("%s_%d.%s", prefix, f.sequence, f.extension))
	file, err := os.Create(f.path)
	if err != nil {
		return errors.WithStack(err)
	}
	f.file = file
	f.writer = bufio.NewWriter(file)
	return nil
}

func (f *rollingFile) write(line string) error {
	n, err := f.writer.WriteString(line)
	f.bytes += int64(n)
	return errors.WithStack(err)
}

// close flushes and closes the file, returning false if nothing was open.
func (f *rollingFile) close() (bool, error) {
	if f.file == nil {
		return false, nil
	}
	flushErr := f.writer.Flush()
	closeErr := f.file.Close()
	f.file = nil
	f.writer = nil
	if flushErr != nil {
		return true, errors.WithStack(flushErr)
	}
	return true, errors.WithStack(closeErr)
}

// PagingLogger writes a step's output to pages for the job server and blocks for the results
// service. Each is rolled over once it grows past its configured size and handed to the Uploader.
type PagingLogger struct {
	uploader   Uploader
	clock      clock.PassiveClock
	directory  string
	prefix     string
	timelineId string
	recordId   string

	mutex      sync.Mutex
	page       *rollingFile
	block      *rollingFile
	totalLines int64
}

func NewPagingLogger(uploader Uploader, clock clock.PassiveClock, config configuration.PagingConfiguration, workDirectory string, timelineId string, recordId string) (*PagingLogger, error) {
	directory := config.Directory
	if !filepath.IsAbs(directory) {
		directory = filepath.Join(workDirectory, directory)
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create paging directory %s", directory)
	}
	return &PagingLogger{
		uploader:   uploader,
		clock:      clock,
		directory:  directory,
		prefix:     fmt.Sprintf("%s_%s", timelineId, recordId),
		timelineId: timelineId,
		recordId:   recordId,
		page:       &rollingFile{extension: "log", limit: config.PageSize.Value()},
		block:      &rollingFile{extension: "block", limit: config.BlockSize.Value()},
	}, nil
}

// Write appends message, prefixed with the current UTC time, as one line.
func (l *PagingLogger) Write(message string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.page.file == nil {
		if err := l.page.open(l.directory, l.prefix); err != nil {
			return err
		}
	}
	if l.block.file == nil {
		if err := l.block.open(l.directory, l.prefix); err != nil {
			return err
		}
	}

	line := l.clock.Now().UTC().Format(time.RFC3339Nano) + " " + message + "\n"
	if err := l.page.write(line); err != nil {
		return err
	}
	if err := l.block.write(line); err != nil {
		return err
	}
	l.totalLines += 1 + int64(strings.Count(message, "\n"))

	if l.page.bytes >= l.page.limit {
		if err := l.endPage(); err != nil {
			return err
		}
		if err := l.page.open(l.directory, l.prefix); err != nil {
			return err
		}
	}
	if l.block.bytes >= l.block.limit {
		if err := l.endBlock(false); err != nil {
			return err
		}
		if err := l.block.open(l.directory, l.prefix); err != nil {
			return err
		}
	}
	return nil
}

// End closes and uploads whatever has been written since the last rollover. The final block is
// always uploaded and marked as finalized, even when a rollover just left it empty. An empty final
// page is discarded.
func (l *PagingLogger) End() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	pageErr := l.endPage()
	blockErr := l.endBlock(true)
	if pageErr != nil {
		return pageErr
	}
	return blockErr
}

func (l *PagingLogger) TotalLines() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.totalLines
}

func (l *PagingLogger) endPage() error {
	closed, err := l.page.close()
	if !closed || err != nil {
		return err
	}
	if l.page.bytes == 0 {
		return errors.WithStack(os.Remove(l.page.path))
	}
	l.uploader.QueueFileUpload(l.timelineId, l.recordId, api.AttachmentType_Log, pageUploadName, l.page.path, true)
	return nil
}

func (l *PagingLogger) endBlock(finalize bool) error {
	closed, err := l.block.close()
	if !closed || err != nil {
		return err
	}
	l.uploader.QueueResultsUpload(l.recordId, blockUploadName, l.block.path, api.AttachmentType_ResultsLog, true, finalize, l.block.sequence == 1, l.totalLines)
	return nil
}
