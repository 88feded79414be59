package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const analyzerOutput = `Cameras: 1
Images: 11
Registered images: 11
Points: 5432
Observations: 23456
Mean track length: 4.318
Mean observation per image: 2132.4
Mean observations per image: 2132.363636
Mean reprojection error: 0.512345px
`

func TestParseModelStats(t *testing.T) {
	s, err := ParseModelStats(strings.NewReader(analyzerOutput))
	require.NoError(t, err)
	assert.Equal(t, ModelStats{
		RegisteredImages:         11,
		Points:                   5432,
		Observations:             23456,
		MeanTrackLength:          4.318,
		MeanObservationsPerImage: 2132.363636,
		MeanReprojError:          0.512345,
	}, s)
}

func TestParseModelStatsLogPrefix(t *testing.T) {
	out := "I0308 10:11:12.345678 12345 model.cc:82] Registered images: 7\n" +
		"I0308 10:11:12.345699 12345 model.cc:83] Mean reprojection error: 1.5px\n"

	s, err := ParseModelStats(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 7, s.RegisteredImages)
	assert.Equal(t, 1.5, s.MeanReprojError)
}

func TestParseModelStatsBadValue(t *testing.T) {
	_, err := ParseModelStats(strings.NewReader("Points: many\n"))
	assert.ErrorContains(t, err, "Points: many")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseImageCount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "images.txt", "# Image list with two lines of data per image:\n"+
		"#   IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, NAME\n"+
		"# Number of images: 9, mean observations per image: 412.5\n"+
		"1 1 0 0 0 0 0 0 1 a.jpg\n")
	writeFile(t, dir, "cameras.txt", "# Number of cameras: 1\n")

	n, err := ParseImageCount(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestParseImageCountFallsBackToCameras(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cameras.txt", "# Camera list with one line of data per camera:\n# Number of cameras: 4\n1 PINHOLE 640 480 1 1 1 1\n")

	n, err := ParseImageCount(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestParseImageCountErrors(t *testing.T) {
	_, err := ParseImageCount(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	writeFile(t, dir, "images.txt", "# no count here\n1 1 0 0 0 0 0 0 1 a.jpg\n# Number of images: 3\n")
	_, err = ParseImageCount(dir)
	assert.ErrorIs(t, err, ErrNoCount, "the count must be in the leading comment block")
}

func TestParsePLYVertexCount(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fused.ply", "ply\nformat binary_little_endian 1.0\nelement vertex 123456\nproperty float x\nend_header\n\x00\x01\x02")

	n, err := ParsePLYVertexCount(path)
	require.NoError(t, err)
	assert.Equal(t, 123456, n)

	missing := writeFile(t, dir, "empty.ply", "ply\nformat ascii 1.0\nend_header\nelement vertex 5\n")
	_, err = ParsePLYVertexCount(missing)
	assert.ErrorIs(t, err, ErrNoCount)

	_, err = ParsePLYVertexCount(filepath.Join(dir, "nope.ply"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

var (
	testMatching = Matching{Images: 11, InlierPairs: 40, InlierMatches: 12345}
	testRecon    = &Reconstruction{
		Model: "0",
		ModelStats: ModelStats{
			RegisteredImages:         11,
			Points:                   5432,
			Observations:             23456,
			MeanTrackLength:          4.318,
			MeanObservationsPerImage: 2132,
			MeanReprojError:          0.5,
		},
		DensePoints: 99,
	}
)

func TestWriteFormatted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFormatted(&buf, "Fountain", testMatching, testRecon))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Repeat("=", 78), lines[0])
	assert.Equal(t, "Formatted statistics", lines[1])
	assert.Equal(t, "| Fountain | METHOD | 11 | 11 | 5432 | 23456 | 4.318 | 2132.0 | 0.5 | 99 |  |  |  |  | 40 | 12345 |", lines[3])
}

func TestWriteRaw(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRaw(&buf, testMatching, testRecon))
	assert.Contains(t, buf.String(), "Raw statistics")
	assert.Contains(t, buf.String(), "num_inlier_matches: 12345")
	assert.Contains(t, buf.String(), "num_dense_points: 99")

	buf.Reset()
	require.NoError(t, WriteRaw(&buf, testMatching, nil))
	assert.Contains(t, buf.String(), "reconstruction: none")
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	WriteTable(&buf, "Fountain", testMatching, testRecon)

	out := buf.String()
	assert.Contains(t, out, "Sparse points")
	assert.Contains(t, out, "Fountain")
	assert.Contains(t, out, "12345")

	buf.Reset()
	WriteMatchingTable(&buf, "two_view_geometries", testMatching)
	assert.Contains(t, buf.String(), "two_view_geometries")
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "10.0", FormatFloat(10))
	assert.Equal(t, "4.5", FormatFloat(4.5))
	assert.Equal(t, "0.25", FormatFloat(0.25))
}
