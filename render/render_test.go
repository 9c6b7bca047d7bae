package render_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/mbox"
	"github.com/dhcgn/mbox-to-md/model"
	"github.com/dhcgn/mbox-to-md/render"
)

const janeDoe = "From: Jane Doe <jane@x.com>\r\n" +
	"To: bob@y.com\r\n" +
	"Subject: Hello World\r\n" +
	"Date: Mon, 1 Jan 2024 10:00:00 +0000\r\n" +
	"\r\n" +
	"hi"

const report = "From: Bob <bob@y.com>\r\n" +
	"To: Jane Doe <jane@x.com>\r\n" +
	"Cc: team@y.com\r\n" +
	"Subject: Report\r\n" +
	"Date: Tue, 2 Jan 2024 11:00:00 +0100\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=iso-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Caf=E9=20\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>ignored</p>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"report attached\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"a.txt\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"Zmlyc3Q=\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"a.txt\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"c2Vjb25k\r\n" +
	"--XYZ--\r\n"

func parse(t *testing.T, raw string) model.Message {
	t.Helper()
	msg, err := mbox.Parse([]byte(raw))
	require.NoError(t, err)
	return msg
}

func newRenderer(root string, sink errlog.Sink) *render.Renderer {
	return render.New(render.Options{Root: root, MaxNameLength: 250}, sink)
}

func TestRenderPlainMessage(t *testing.T) {
	root := t.TempDir()
	sink := &errlog.Recorder{}

	res, err := newRenderer(root, sink).Render(parse(t, janeDoe))
	require.NoError(t, err)

	want := filepath.Join(root, "Jane Doe", "(2024-01-01 10-00-00) Jane Doe -- Hello World.md")
	assert.Equal(t, want, res.Path())
	assert.Empty(t, res.Attachments)
	assert.Empty(t, sink.Entries())

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "```markdown\n"+
		"**From:** Jane Doe <jane@x.com>\n"+
		"**To:** bob@y.com\n"+
		"**CC:** \n"+
		"**Subject:** Hello World\n"+
		"```\n\n"+
		"---\n\n"+
		"hi", string(got))

	assert.DirExists(t, filepath.Join(root, "Jane Doe", "Attachments"))
}

func TestRenderMultipartMessage(t *testing.T) {
	root := t.TempDir()
	sink := &errlog.Recorder{}

	res, err := newRenderer(root, sink).Render(parse(t, report))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "Bob", "(2024-01-02 11-00-00) Bob -- Report.md"), res.Path())
	require.Len(t, res.Attachments, 2)

	dir := filepath.Join(root, "Bob", "Attachments")
	assert.Equal(t, filepath.Join(dir, "a.txt"), res.Attachments[0].Path)
	assert.Equal(t, filepath.Join(dir, "a_1.txt"), res.Attachments[1].Path)

	first, err := os.ReadFile(res.Attachments[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))
	second, err := os.ReadFile(res.Attachments[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	got, err := os.ReadFile(res.Path())
	require.NoError(t, err)
	doc := string(got)
	assert.Contains(t, doc, "**CC:** team@y.com\n")
	assert.Contains(t, doc, "---\n\nCafé report attached")
	assert.NotContains(t, doc, "ignored")
	assert.True(t, strings.HasSuffix(doc, "\n\nAttachments:\n"+
		"[a.txt]("+filepath.Join(dir, "a.txt")+")\n"+
		"[a.txt]("+filepath.Join(dir, "a_1.txt")+")\n"), doc)
}

func TestRenderMissingHeaders(t *testing.T) {
	root := t.TempDir()
	sink := &errlog.Recorder{}

	res, err := newRenderer(root, sink).Render(parse(t, "Content-Type: text/plain\r\n\r\nbody"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "Unknown", "(unknown_date) Unknown -- unknown_subject.md"), res.Path())
	assert.Contains(t, sink.Messages(), "Failed to parse date")
	assert.Contains(t, sink.Messages(), "Invalid filename")

	got, err := os.ReadFile(res.Path())
	require.NoError(t, err)
	assert.Contains(t, string(got), "**From:** \n**To:** \n**CC:** \n**Subject:** \n")
}

func TestRenderBadDate(t *testing.T) {
	root := t.TempDir()
	sink := &errlog.Recorder{}
	raw := strings.Replace(janeDoe, "Mon, 1 Jan 2024 10:00:00 +0000", "yesterday", 1)

	res, err := newRenderer(root, sink).Render(parse(t, raw))
	require.NoError(t, err)

	assert.Contains(t, filepath.Base(res.Path()), "(unknown_date)")
	assert.Equal(t, []errlog.Entry{{Message: "Failed to parse date", Details: "yesterday"}}, sink.Entries())
}

func TestRenderIsIdempotentForDocuments(t *testing.T) {
	root := t.TempDir()
	r := newRenderer(root, &errlog.Recorder{})
	msg := parse(t, report)

	first, err := r.Render(msg)
	require.NoError(t, err)
	firstDoc, err := os.ReadFile(first.Path())
	require.NoError(t, err)

	second, err := r.Render(msg)
	require.NoError(t, err)
	secondDoc, err := os.ReadFile(second.Path())
	require.NoError(t, err)

	assert.Equal(t, first.Path(), second.Path())
	assert.NotEqual(t, string(firstDoc), string(secondDoc), "attachment links move to fresh suffixes")

	dir := filepath.Join(root, "Bob", "Attachments")
	require.Len(t, second.Attachments, 2)
	assert.Equal(t, filepath.Join(dir, "a_2.txt"), second.Attachments[0].Path)
	assert.Equal(t, filepath.Join(dir, "a_3.txt"), second.Attachments[1].Path)

	entries, err := os.ReadDir(filepath.Join(root, "Bob"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one document and the attachments directory")

	plain := parse(t, janeDoe)
	a, err := r.Render(plain)
	require.NoError(t, err)
	docA, err := os.ReadFile(a.Path())
	require.NoError(t, err)
	b, err := r.Render(plain)
	require.NoError(t, err)
	docB, err := os.ReadFile(b.Path())
	require.NoError(t, err)
	assert.Equal(t, docA, docB)
}

func TestRenderFailureIsLogged(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))
	sink := &errlog.Recorder{}

	_, err := newRenderer(root, sink).Render(parse(t, janeDoe))
	require.Error(t, err)
	assert.Equal(t, []string{"Failed to process email"}, sink.Messages())
}

func TestRenderFailureKeepsExistingDocument(t *testing.T) {
	root := t.TempDir()
	sink := &errlog.Recorder{}
	r := newRenderer(root, sink)
	msg := parse(t, report)

	_, loc := r.Locate(msg)
	require.NoError(t, os.MkdirAll(loc.Dir, 0o755))
	require.NoError(t, os.WriteFile(loc.Path(), []byte("converted before"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(loc.Dir, "Attachments"), []byte("not a directory"), 0o644))

	_, err := r.Render(msg)
	require.Error(t, err)
	assert.Equal(t, []string{"Failed to process email"}, sink.Messages())

	got, err := os.ReadFile(loc.Path())
	require.NoError(t, err)
	assert.Equal(t, "converted before", string(got))
}

func TestRenderFailureWritesNoDocument(t *testing.T) {
	root := t.TempDir()
	r := newRenderer(root, &errlog.Recorder{})
	msg := parse(t, report)

	_, loc := r.Locate(msg)
	require.NoError(t, os.MkdirAll(loc.Dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(loc.Dir, "Attachments"), []byte("not a directory"), 0o644))

	_, err := r.Render(msg)
	require.Error(t, err)
	assert.NoFileExists(t, loc.Path())
}

// panicSink panics on defect entries and records everything else.
type panicSink struct {
	errlog.Recorder
}

func (p *panicSink) Log(message, details string) {
	if message == "Message defect" {
		panic("sink exploded")
	}
	p.Recorder.Log(message, details)
}

func TestRenderRecoversPanic(t *testing.T) {
	sink := &panicSink{}
	msg := parse(t, janeDoe)
	msg.Defects = []string{"part [1]: broken"}

	_, err := newRenderer(t.TempDir(), sink).Render(msg)
	require.EqualError(t, err, "panic: sink exploded")
	assert.Equal(t, []errlog.Entry{{Message: "Failed to process email", Details: "panic: sink exploded"}}, sink.Entries())
}

func TestRenderLogsDefects(t *testing.T) {
	sink := &errlog.Recorder{}
	msg := parse(t, janeDoe)
	msg.Defects = []string{"part [1]: broken"}

	_, err := newRenderer(t.TempDir(), sink).Render(msg)
	require.NoError(t, err)
	assert.Equal(t, []errlog.Entry{{Message: "Message defect", Details: "message 0: part [1]: broken"}}, sink.Entries())
}

func TestRenderDecodeHeaders(t *testing.T) {
	raw := strings.Replace(janeDoe, "Subject: Hello World", "Subject: =?utf-8?Q?Gr=C3=BC=C3=9Fe_aus_Berlin?=", 1)

	plain := render.New(render.Options{Root: t.TempDir(), MaxNameLength: 250}, &errlog.Recorder{})
	_, loc := plain.Locate(parse(t, raw))
	assert.Equal(t, "(2024-01-01 10-00-00) Jane Doe -- Unknown Subject.md", loc.File)

	decoding := render.New(render.Options{Root: t.TempDir(), MaxNameLength: 250, DecodeHeaders: true}, &errlog.Recorder{})
	_, loc = decoding.Locate(parse(t, raw))
	assert.Equal(t, "(2024-01-01 10-00-00) Jane Doe -- Gre aus Berlin.md", loc.File)
}

func TestBody(t *testing.T) {
	r := newRenderer(t.TempDir(), &errlog.Recorder{})

	assert.Equal(t, "hi", r.Body(parse(t, janeDoe)))
	assert.Equal(t, "Café report attached", r.Body(parse(t, report)))
	assert.Equal(t, "", r.Body(parse(t, "Subject: empty\r\n\r\n")))
}
