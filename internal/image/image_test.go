package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/security"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

const testManifest = "purpose=xyz.openbmc_project.Software.Version.VersionPurpose.BMC\nversion=2.14.0-dev\nExtendedVersion=build-42\nMachineName=p10bmc\n"

type entry struct {
	name string
	body string
}

func writeTar(t *testing.T, w io.Writer, entries []entry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}

func gzipArchive(t *testing.T, path string, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	writeTar(t, gz, entries)
	require.NoError(t, gz.Close())
}

func xzArchive(t *testing.T, path string, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	xw, err := xz.NewWriter(f)
	require.NoError(t, err)
	writeTar(t, xw, entries)
	require.NoError(t, xw.Close())
}

func bmcImage() []entry {
	return []entry{
		{name: "MANIFEST", body: testManifest},
		{name: "image-bmc", body: "flash"},
		{name: "image-bmc.sig", body: "sig"},
	}
}

func testSecurity(dirs ...string) *security.Config {
	c := security.DefaultConfig()
	c.AllowedPaths = append(c.AllowedPaths, dirs...)
	return c
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(testManifest+"KeyType=OpenBMC\n"), 0o644))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	want := Manifest{
		Version:         "2.14.0-dev",
		Purpose:         firmware.PurposeBMC,
		ExtendedVersion: "build-42",
		MachineName:     "p10bmc",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, os.WriteFile(path, []byte("purpose=BMC\n"), 0o644))
	_, err = ReadManifest(path)
	assert.Error(t, err)
}

func TestRequiredCheck(t *testing.T) {
	req := DefaultRequired()

	full := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(full, "image-bmc"), nil, 0o644))
	assert.NoError(t, req.Check(full))

	parts := t.TempDir()
	for _, name := range req.Partitions {
		require.NoError(t, os.WriteFile(filepath.Join(parts, name), nil, 0o644))
	}
	assert.NoError(t, req.Check(parts))

	require.NoError(t, os.Remove(filepath.Join(parts, "image-rwfs")))
	err := req.Check(parts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image-rwfs")
}

func TestScanInstalled(t *testing.T) {
	media := t.TempDir()
	const releasePath = "/etc/os-release"

	good := filepath.Join(media, "rofs-aaaa1111", "etc")
	require.NoError(t, os.MkdirAll(good, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(good, "os-release"),
		[]byte("VERSION_ID=\"2.14.0\"\nEXTENDED_VERSION=\"ext\"\n"), 0o644))

	empty := filepath.Join(media, "rofs-bbbb2222", "etc")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(empty, "os-release"), []byte("NAME=x\n"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(media, "rofs-cccc3333"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(media, "rwfs"), 0o755))

	got, err := ScanInstalled(media, releasePath)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, firmware.ID("2.14.0"), got[0].ID)
	assert.Equal(t, firmware.Release{Version: "2.14.0", ExtendedVersion: "ext"}, got[0].Release)
	assert.NoError(t, got[0].Err)

	assert.Equal(t, "bbbb2222", got[1].ID)
	assert.Error(t, got[1].Err)
	assert.Equal(t, "cccc3333", got[2].ID)
	assert.Error(t, got[2].Err)
}

func TestSeed(t *testing.T) {
	media := t.TempDir()
	release := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(release, []byte("VERSION_ID=2.14.0\n"), 0o644))

	id, err := Seed(media, release)
	require.NoError(t, err)
	assert.Equal(t, firmware.ID("2.14.0"), id)

	got, err := ScanInstalled(media, release)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.NoError(t, got[0].Err)
}

func TestUnpack(t *testing.T) {
	for _, tc := range []struct {
		name  string
		file  string
		write func(*testing.T, string, []entry)
	}{
		{name: "gzip", file: "bmc.tar.gz", write: gzipArchive},
		{name: "xz", file: "bmc.tar.xz", write: xzArchive},
	} {
		t.Run(tc.name, func(t *testing.T) {
			upload := t.TempDir()
			archive := filepath.Join(t.TempDir(), tc.file)
			tc.write(t, archive, bmcImage())

			u := Unpacker{Security: testSecurity(upload)}
			rec, err := u.Unpack(context.Background(), archive, upload)
			require.NoError(t, err)

			id := firmware.ID("2.14.0-dev")
			assert.Equal(t, firmware.Record{
				ID:              id,
				Version:         "2.14.0-dev",
				Purpose:         firmware.PurposeBMC,
				ExtendedVersion: "build-42",
				Location:        filepath.Join(upload, id),
			}, rec)
			assert.NoError(t, DefaultRequired().Check(rec.Location))

			_, err = u.Unpack(context.Background(), archive, upload)
			assert.ErrorIs(t, err, ErrDuplicate)
		})
	}
}

func TestUnpackRejectsBadArchives(t *testing.T) {
	for _, tc := range []struct {
		name    string
		entries []entry
	}{
		{name: "traversal", entries: append(bmcImage(), entry{name: "../escape", body: "x"})},
		{name: "no manifest", entries: []entry{{name: "image-bmc", body: "flash"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			upload := t.TempDir()
			archive := filepath.Join(t.TempDir(), "bad.tar.gz")
			gzipArchive(t, archive, tc.entries)

			_, err := Unpacker{Security: testSecurity(upload)}.Unpack(context.Background(), archive, upload)
			require.Error(t, err)

			left, err := os.ReadDir(upload)
			require.NoError(t, err)
			assert.Empty(t, left, "temporary extraction left behind")
		})
	}
}

func TestWatcherDiscoversImages(t *testing.T) {
	upload := t.TempDir()

	// Already unpacked before the watcher starts.
	existing := filepath.Join(upload, "aaaa1111")
	require.NoError(t, os.MkdirAll(existing, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(existing, ManifestFile), []byte("version=1.0.0\npurpose=Host\n"), 0o644))

	var mu sync.Mutex
	var got []firmware.Record
	handler := func(_ context.Context, rec firmware.Record) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, rec)
	}
	records := func() []firmware.Record {
		mu.Lock()
		defer mu.Unlock()
		return append([]firmware.Record(nil), got...)
	}

	w, err := NewWatcher(quietLogger(), upload, Unpacker{Security: testSecurity(upload)}, handler,
		&WatcherOptions{DebounceWindow: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	assert.Eventually(t, func() bool { return len(records()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, firmware.PurposeHost, records()[0].Purpose)

	staging := filepath.Join(t.TempDir(), "bmc.tar.gz")
	gzipArchive(t, staging, bmcImage())
	require.NoError(t, os.Rename(staging, filepath.Join(upload, "bmc.tar.gz")))

	require.Eventually(t, func() bool { return len(records()) == 2 }, 5*time.Second, 10*time.Millisecond)
	rec := records()[1]
	assert.Equal(t, firmware.ID("2.14.0-dev"), rec.ID)
	assert.Equal(t, "2.14.0-dev", rec.Version)

	_, err = os.Stat(filepath.Join(upload, "bmc.tar.gz"))
	assert.True(t, os.IsNotExist(err), "archive should be removed once unpacked")
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Fetch(t *testing.T) {
	payload := []byte("archive bytes")
	sum := sha256.Sum256(payload)
	client := &fakeS3{objects: map[string][]byte{"images/bmc.tar.gz": payload}}
	dir := t.TempDir()
	f := NewS3FetcherWithClient(client, "firmware", testSecurity(dir))
	ctx := context.Background()

	path, err := f.Fetch(ctx, "images/bmc.tar.gz", dir, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bmc.tar.gz"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = f.Fetch(ctx, "images/bmc.tar.gz", t.TempDir(), "00")
	assert.ErrorContains(t, err, "checksum mismatch")

	_, err = f.Fetch(ctx, "../bmc.tar.gz", dir, "")
	assert.Error(t, err)

	_, err = f.Fetch(ctx, "images/missing.tar", dir, "")
	assert.Error(t, err)
}
