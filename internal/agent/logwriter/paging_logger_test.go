package logwriter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

type fileUpload struct {
	timelineId string
	recordId   string
	kind       string
	name       string
	path       string
	content    string
}

type resultsUpload struct {
	recordId   string
	path       string
	kind       string
	finalize   bool
	firstBlock bool
	totalLines int64
	content    string
}

type fakeUploader struct {
	files   []fileUpload
	results []resultsUpload
}

func (f *fakeUploader) QueueFileUpload(timelineId string, recordId string, attachmentType string, name string, path string, deleteSource bool) {
	content, _ := os.ReadFile(path)
	f.files = append(f.files, fileUpload{timelineId, recordId, attachmentType, name, path, string(content)})
}

func (f *fakeUploader) QueueResultsUpload(recordId string, name string, path string, attachmentType string, deleteSource bool, finalize bool, firstBlock bool, totalLines int64) {
	content, _ := os.ReadFile(path)
	f.results = append(f.results, resultsUpload{recordId, path, attachmentType, finalize, firstBlock, totalLines, string(content)})
}

var testTime = time.Date(2022, 11, 3, 10, 0, 0, 0, time.UTC)

func TestPagingLogger_WritesTimestampedLines(t *testing.T) {
	logger, uploader, directory := setupLogger(t, "8Mi", "2Mi")

	require.NoError(t, logger.Write("hello"))
	require.NoError(t, logger.Write("world"))
	require.NoError(t, logger.End())

	expected := "2022-11-03T10:00:00Z hello\n2022-11-03T10:00:00Z world\n"
	require.Len(t, uploader.files, 1)
	assert.Equal(t, fileUpload{
		timelineId: "timeline",
		recordId:   "record",
		kind:       api.AttachmentType_Log,
		name:       pageUploadName,
		path:       filepath.Join(directory, "timeline_record_1.log"),
		content:    expected,
	}, uploader.files[0])

	require.Len(t, uploader.results, 1)
	assert.Equal(t, resultsUpload{
		recordId:   "record",
		path:       filepath.Join(directory, "timeline_record_1.block"),
		kind:       api.AttachmentType_ResultsLog,
		finalize:   true,
		firstBlock: true,
		totalLines: 2,
		content:    expected,
	}, uploader.results[0])
}

func TestPagingLogger_RollsOverPagesAndBlocks(t *testing.T) {
	// Every line is 21 bytes of timestamp and space, 10 bytes of message and a newline.
	logger, uploader, _ := setupLogger(t, "64", "32")

	for i := 0; i < 4; i++ {
		require.NoError(t, logger.Write(strings.Repeat("x", 10)))
	}
	assert.Len(t, uploader.files, 2)
	require.Len(t, uploader.results, 4)
	assert.True(t, uploader.results[0].firstBlock)
	assert.False(t, uploader.results[1].firstBlock)
	for _, block := range uploader.results {
		assert.False(t, block.finalize)
	}
	assert.Equal(t, int64(3), uploader.results[2].totalLines)

	require.NoError(t, logger.Write("last"))
	require.NoError(t, logger.End())

	require.Len(t, uploader.files, 3)
	assert.True(t, strings.HasSuffix(uploader.files[2].path, "timeline_record_3.log"))
	require.Len(t, uploader.results, 5)
	assert.True(t, uploader.results[4].finalize)
	assert.Equal(t, int64(5), uploader.results[4].totalLines)
}

func TestPagingLogger_EndAfterBlockRolloverFinalizesEmptyBlock(t *testing.T) {
	logger, uploader, directory := setupLogger(t, "8Mi", "32")

	require.NoError(t, logger.Write(strings.Repeat("x", 10)))
	require.Len(t, uploader.results, 1)
	assert.False(t, uploader.results[0].finalize)

	require.NoError(t, logger.End())

	require.Len(t, uploader.results, 2)
	last := uploader.results[1]
	assert.True(t, last.finalize)
	assert.False(t, last.firstBlock)
	assert.Equal(t, "", last.content)
	assert.Equal(t, int64(1), last.totalLines)
	assert.Equal(t, filepath.Join(directory, "timeline_record_2.block"), last.path)
	require.Len(t, uploader.files, 1)
}

func TestPagingLogger_EndAfterPageRolloverDiscardsEmptyPage(t *testing.T) {
	logger, uploader, directory := setupLogger(t, "32", "32")

	require.NoError(t, logger.Write(strings.Repeat("x", 10)))
	require.NoError(t, logger.End())

	require.Len(t, uploader.files, 1)
	assert.Equal(t, filepath.Join(directory, "timeline_record_1.log"), uploader.files[0].path)
	_, err := os.Stat(filepath.Join(directory, "timeline_record_2.log"))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, uploader.results, 2)
	assert.True(t, uploader.results[1].finalize)
}

func TestPagingLogger_CountsEmbeddedNewlines(t *testing.T) {
	logger, _, _ := setupLogger(t, "8Mi", "2Mi")

	require.NoError(t, logger.Write("one\ntwo\nthree"))
	require.NoError(t, logger.Write("four"))

	assert.Equal(t, int64(4), logger.TotalLines())
}

func TestPagingLogger_EndWithoutWritesUploadsNothing(t *testing.T) {
	logger, uploader, _ := setupLogger(t, "8Mi", "2Mi")

	require.NoError(t, logger.End())

	assert.Empty(t, uploader.files)
	assert.Empty(t, uploader.results)
}

func setupLogger(t *testing.T, pageSize string, blockSize string) (*PagingLogger, *fakeUploader, string) {
	workDirectory := t.TempDir()
	uploader := &fakeUploader{}
	config := configuration.PagingConfiguration{
		PageSize:  resource.MustParse(pageSize),
		BlockSize: resource.MustParse(blockSize),
		Directory: "pages",
	}
	logger, err := NewPagingLogger(uploader, clock.NewFakePassiveClock(testTime), config, workDirectory, "timeline", "record")
	require.NoError(t, err)
	return logger, uploader, filepath.Join(workDirectory, "pages")
}
