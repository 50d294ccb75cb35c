package skillpkg

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/pkg/skill"
)

const timeManifest = `{"name": "Time", "slug": "time", "version": "1.0.0", "topic_access": {"hermes/intent/time/GetTime": 4}}`

type member struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildTar(t testing.TB, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		typeflag := m.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{Name: m.name, Typeflag: typeflag, Mode: 0644, Linkname: m.linkname}
		if typeflag == tar.TypeReg {
			hdr.Size = int64(len(m.body))
		}
		if typeflag == tar.TypeDir {
			hdr.Mode = 0755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func validMembers() []member {
	return []member{
		{name: "manifest.json", body: timeManifest},
		{name: "Dockerfile", body: "FROM python:3.11-slim\n"},
		{name: "sentences.ini", body: "[GetTime]\nwhat time is it\n"},
	}
}

func codeOf(t *testing.T, err error) apierr.Code {
	t.Helper()
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok, "expected coded error, got %T: %v", err, err)
	return coded.Code
}

func TestOpen_ValidArchive(t *testing.T) {
	pkg, err := Open(bytes.NewReader(buildTar(t, validMembers()...)))
	require.NoError(t, err)

	assert.Equal(t, "time", pkg.Manifest.Slug)
	assert.Equal(t, "Time", pkg.Manifest.Name)
	assert.True(t, pkg.Manifest.ShouldAutoTrain())
	assert.False(t, pkg.Manifest.InternetAccess)
	assert.Equal(t, skill.AccessSubscribe, pkg.Manifest.TopicAccess["hermes/intent/time/GetTime"])
	assert.True(t, pkg.HasDockerfile())
	assert.Equal(t, "[GetTime]\nwhat time is it\n", pkg.Sentences())
	assert.Equal(t, []string{"Dockerfile", "manifest.json", "sentences.ini"}, pkg.Names())
}

func TestOpen_GzipAndDotSlashNames(t *testing.T) {
	plain := buildTar(t,
		member{name: "./", typeflag: tar.TypeDir},
		member{name: "./manifest.json", body: timeManifest},
		member{name: "./Dockerfile", body: "FROM scratch\n"},
		member{name: "./sentences.ini", body: "[GetTime]\n"},
	)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	pkg, err := Open(&gz)
	require.NoError(t, err)
	assert.True(t, pkg.Has("manifest.json"))
	assert.True(t, pkg.Has("./manifest.json"))
	content, ok := pkg.File("Dockerfile")
	require.True(t, ok)
	assert.Equal(t, "FROM scratch\n", string(content))
}

func TestOpen_ImageReferenceReplacesDockerfile(t *testing.T) {
	pkg, err := Open(bytes.NewReader(buildTar(t,
		member{name: "manifest.json", body: `{"name": "Time", "slug": "time", "version": "1", "image": "ghcr.io/example/time:1.0"}`},
		member{name: "sentences.ini", body: "[GetTime]\n"},
	)))
	require.NoError(t, err)
	assert.True(t, pkg.Manifest.HasImage())
	assert.False(t, pkg.HasDockerfile())
}

func TestOpen_Rejections(t *testing.T) {
	testCases := []struct {
		name     string
		archive  func(t *testing.T) []byte
		expected apierr.Code
	}{
		{
			name:     "not a tar",
			archive:  func(t *testing.T) []byte { return []byte("this is definitely not a tar archive, it is far too short") },
			expected: apierr.CodeInvalidArchive,
		},
		{
			name:     "empty upload",
			archive:  func(t *testing.T) []byte { return nil },
			expected: apierr.CodeInvalidArchive,
		},
		{
			name: "path traversal",
			archive: func(t *testing.T) []byte {
				return buildTar(t, append(validMembers(), member{name: "../escape.txt", body: "x"})...)
			},
			expected: apierr.CodeInvalidArchive,
		},
		{
			name: "absolute path",
			archive: func(t *testing.T) []byte {
				return buildTar(t, append(validMembers(), member{name: "/etc/passwd", body: "x"})...)
			},
			expected: apierr.CodeInvalidArchive,
		},
		{
			name: "symlink",
			archive: func(t *testing.T) []byte {
				return buildTar(t, append(validMembers(), member{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"})...)
			},
			expected: apierr.CodeInvalidArchive,
		},
		{
			name: "missing manifest",
			archive: func(t *testing.T) []byte {
				return buildTar(t, member{name: "Dockerfile", body: "FROM scratch"}, member{name: "sentences.ini", body: ""})
			},
			expected: apierr.CodeManifestNotPresent,
		},
		{
			name: "manifest not json",
			archive: func(t *testing.T) []byte {
				return buildTar(t, member{name: "manifest.json", body: "{not json"}, member{name: "sentences.ini"})
			},
			expected: apierr.CodeInvalidManifest,
		},
		{
			name: "missing image and dockerfile",
			archive: func(t *testing.T) []byte {
				return buildTar(t, member{name: "manifest.json", body: timeManifest}, member{name: "sentences.ini", body: ""})
			},
			expected: apierr.CodeImageNotPresent,
		},
		{
			name: "missing sentences",
			archive: func(t *testing.T) []byte {
				return buildTar(t, member{name: "manifest.json", body: timeManifest}, member{name: "Dockerfile", body: "FROM scratch"})
			},
			expected: apierr.CodeSentencesNotPresent,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(bytes.NewReader(tc.archive(t)))
			assert.Equal(t, tc.expected, codeOf(t, err))
		})
	}
}

func TestOpen_InvalidManifestFieldErrors(t *testing.T) {
	_, err := Open(bytes.NewReader(buildTar(t,
		member{name: "manifest.json", body: `{"name": "Time", "slug": "Bad Slug", "topic_access": {"a": 9}}`},
		member{name: "Dockerfile", body: "FROM scratch"},
		member{name: "sentences.ini"},
	)))
	require.Equal(t, apierr.CodeInvalidManifest, codeOf(t, err))

	coded, _ := apierr.As(err)
	fieldErrs, ok := coded.Detail.([]apierr.FieldError)
	require.True(t, ok)

	fields := map[string]bool{}
	for _, fe := range fieldErrs {
		fields[fe.Field] = true
	}
	assert.True(t, fields["version"] || fields["(root)"], "missing version should be reported: %v", fieldErrs)
	assert.True(t, fields["slug"], "bad slug should be reported: %v", fieldErrs)
	assert.True(t, fields["topic_access.a"], "out of range access should be reported: %v", fieldErrs)
}

func TestValidateManifest(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		wantField string
	}{
		{"minimal", `{"name": "n", "slug": "s", "version": "1"}`, ""},
		{"nulls allowed", `{"name": "n", "slug": "s", "version": "1", "image": null, "languages": null, "topic_access": null}`, ""},
		{"bad image reference", `{"name": "n", "slug": "s", "version": "1", "image": "UPPER/Case::"}`, "image"},
		{"non boolean internet_access", `{"name": "n", "slug": "s", "version": "1", "internet_access": "yes"}`, "internet_access"},
		{"not an object", `[]`, "(root)"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, errs := ValidateManifest([]byte(tc.raw))
			if tc.wantField == "" {
				assert.Empty(t, errs)
				require.NotNil(t, m)
				return
			}
			require.NotEmpty(t, errs)
			assert.Nil(t, m)
			assert.Equal(t, tc.wantField, errs[0].Field)
		})
	}
}

func TestValidateManifest_AutoTrainDefault(t *testing.T) {
	m, errs := ValidateManifest([]byte(`{"name": "n", "slug": "s", "version": "1", "auto_train": false}`))
	require.Empty(t, errs)
	assert.False(t, m.ShouldAutoTrain())
}

func TestExtractTo(t *testing.T) {
	members := append(validMembers(),
		member{name: "app/", typeflag: tar.TypeDir},
		member{name: "app/main.py", body: "print('hi')\n"},
		member{name: "assets/", typeflag: tar.TypeDir},
	)
	pkg, err := Open(bytes.NewReader(buildTar(t, members...)))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, pkg.ExtractTo(dir))

	content, err := os.ReadFile(filepath.Join(dir, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(content))

	info, err := os.Stat(filepath.Join(dir, "assets"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(dir, "manifest.json"))
	assert.NoError(t, err)
}

func TestReadArchive_FileSizeLimit(t *testing.T) {
	data := buildTar(t, member{name: "big.bin", body: string(make([]byte, 64))})
	_, _, err := readArchive(bytes.NewReader(data), 32)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum size")
}

// Arbitrary bytes never panic and always yield either a package or one of the
// validator's own rejection codes.
func TestOpen_ArbitraryInput(t *testing.T) {
	allowed := map[apierr.Code]bool{
		apierr.CodeInvalidArchive:      true,
		apierr.CodeManifestNotPresent:  true,
		apierr.CodeInvalidManifest:     true,
		apierr.CodeImageNotPresent:     true,
		apierr.CodeSentencesNotPresent: true,
	}

	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		pkg, err := Open(bytes.NewReader(data))
		if err == nil {
			if pkg == nil {
				t.Fatalf("nil package without error")
			}
			return
		}
		if !allowed[apierr.CodeOf(err)] {
			t.Fatalf("unexpected code %q for %v", apierr.CodeOf(err), err)
		}
	})
}

// Random member names inside a well-formed tar are either rejected as unsafe
// or stay inside the extraction root.
func TestOpen_MemberNamesStayInsideRoot(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		segment := rapid.SampledFrom([]string{"a", "b", "..", ".", "", "c.txt"}).Draw(rt, "first")
		rest := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "..", ".", "x.ini"}), 0, 4).Draw(rt, "rest")
		name := segment
		for _, s := range rest {
			name += "/" + s
		}

		cleaned, err := normalizePath(name)
		if err != nil {
			return
		}
		root := "/root-dir"
		joined := filepath.Join(root, filepath.FromSlash(cleaned))
		rel, relErr := filepath.Rel(root, joined)
		if relErr != nil || rel == ".." || (len(rel) > 2 && rel[:3] == "../") {
			rt.Fatalf("%q escaped the root as %q", name, joined)
		}
	})
}
