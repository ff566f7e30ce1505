package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/segmentio/kafka-go"

	"github.com/Iron-Ham/sluice/internal/errors"
)

func sourceFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func testJob(path string) Job {
	return Job{ID: "job-1", RunID: "run-1", TaskID: "invoices", Path: path, Copies: 2}
}

func TestSpoolSubmit(t *testing.T) {
	spoolDir := t.TempDir()
	d := NewSpool("office", spoolDir)
	src := sourceFile(t, "%PDF")

	ref, err := d.Submit(context.Background(), testJob(src))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ref != "job-1" {
		t.Errorf("ref = %q", ref)
	}
	for _, name := range []string{"job-1-1-report.pdf", "job-1-2-report.pdf"} {
		data, err := os.ReadFile(filepath.Join(spoolDir, name))
		if err != nil || string(data) != "%PDF" {
			t.Errorf("spooled %s = %q, %v", name, data, err)
		}
	}
}

func TestSpoolUnavailable(t *testing.T) {
	d := NewSpool("office", filepath.Join(t.TempDir(), "missing"))
	_, err := d.Submit(context.Background(), testJob(sourceFile(t, "x")))
	if !errors.Is(err, errors.ErrDeviceUnavailable) || errors.IsRetryable(err) {
		t.Errorf("Submit() error = %v, want permanent ErrDeviceUnavailable", err)
	}
}

func TestSpoolMissingSource(t *testing.T) {
	d := NewSpool("office", t.TempDir())
	_, err := d.Submit(context.Background(), testJob("/nonexistent/file.pdf"))
	if !errors.Is(err, errors.ErrSourceMissing) {
		t.Errorf("Submit() error = %v, want ErrSourceMissing", err)
	}
}

func TestCommandSubmit(t *testing.T) {
	src := sourceFile(t, "x")
	d := NewCommand("lp", []string{"sh", "-c", `test -f "$0" && echo "queued-$SLUICE_JOB_ID"`, FilePlaceholder})

	ref, err := d.Submit(context.Background(), testJob(src))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ref != "queued-job-1" {
		t.Errorf("ref = %q", ref)
	}
}

func TestCommandFailures(t *testing.T) {
	src := sourceFile(t, "x")

	failing := NewCommand("lp", []string{"sh", "-c", "echo printer jammed >&2; exit 3"})
	_, err := failing.Submit(context.Background(), testJob(src))
	if !errors.IsRetryable(err) || !strings.Contains(err.Error(), "printer jammed") {
		t.Errorf("non-zero exit error = %v, want transient with stderr", err)
	}

	missing := NewCommand("lp", []string{"sluice-no-such-binary"})
	_, err = missing.Submit(context.Background(), testJob(src))
	if !errors.Is(err, errors.ErrDeviceUnavailable) {
		t.Errorf("missing binary error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"lp", "-d", "office", FilePlaceholder}, "lp -d office /in/a.pdf"},
		{[]string{"lp", "-d", "office"}, "lp -d office /in/a.pdf"},
		{[]string{"print", "--file=" + FilePlaceholder}, "print --file=/in/a.pdf"},
	}
	for _, tt := range tests {
		got := strings.Join(NewCommand("c", tt.argv).args("/in/a.pdf"), " ")
		if got != tt.want {
			t.Errorf("args(%v) = %q, want %q", tt.argv, got, tt.want)
		}
	}
}

type fakePutter struct {
	bucket, object, path string
	opts                 minio.PutObjectOptions
	err                  error
}

func (f *fakePutter) FPutObject(_ context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.bucket, f.object, f.path, f.opts = bucket, object, path, opts
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	return minio.UploadInfo{Bucket: bucket, Key: object, ETag: "abc"}, nil
}

func TestS3Submit(t *testing.T) {
	fake := &fakePutter{}
	d := newS3("bucket", "prints", "incoming", fake)
	src := sourceFile(t, "x")

	ref, err := d.Submit(context.Background(), testJob(src))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if fake.object != "incoming/invoices/job-1-report.pdf" || fake.bucket != "prints" || fake.path != src {
		t.Errorf("put %s/%s from %s", fake.bucket, fake.object, fake.path)
	}
	if fake.opts.ContentType != "application/pdf" || fake.opts.UserMetadata["sluice-run-id"] != "run-1" {
		t.Errorf("opts = %+v", fake.opts)
	}
	if ref != "s3://prints/incoming/invoices/job-1-report.pdf@abc" {
		t.Errorf("ref = %q", ref)
	}
}

func TestS3Classify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"no bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, true},
		{"denied", minio.ErrorResponse{Code: "AccessDenied"}, true},
		{"server busy", minio.ErrorResponse{Code: "SlowDown"}, false},
		{"network", fmt.Errorf("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newS3("bucket", "prints", "", &fakePutter{err: tt.err})
			_, err := d.Submit(context.Background(), testJob(sourceFile(t, "x")))
			if err == nil {
				t.Fatal("Submit() succeeded")
			}
			if errors.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, errors.IsPermanent(err), tt.permanent)
			}
		})
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSubmit(t *testing.T) {
	w := &fakeWriter{}
	d := newKafka("feed", "documents", 0, w)

	ref, err := d.Submit(context.Background(), testJob(sourceFile(t, "payload")))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ref != "kafka://documents/job-1" {
		t.Errorf("ref = %q", ref)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "job-1" || string(m.Value) != "payload" {
		t.Errorf("message = %q/%q", m.Key, m.Value)
	}
	headers := map[string]string{}
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["file_name"] != "report.pdf" || headers["copies"] != "2" || headers["task_id"] != "invoices" {
		t.Errorf("headers = %v", headers)
	}

	d.Close()
	if !w.closed {
		t.Error("Close did not close the writer")
	}
}

func TestKafkaLimitsAndErrors(t *testing.T) {
	d := newKafka("feed", "documents", 4, &fakeWriter{})
	_, err := d.Submit(context.Background(), testJob(sourceFile(t, "too large")))
	if !errors.IsPermanent(err) {
		t.Errorf("oversized file error = %v, want permanent", err)
	}

	d = newKafka("feed", "documents", 0, &fakeWriter{err: fmt.Errorf("broker down")})
	_, err = d.Submit(context.Background(), testJob(sourceFile(t, "x")))
	if !errors.IsRetryable(err) {
		t.Errorf("write error = %v, want transient", err)
	}

	d = newKafka("feed", "documents", 0, &fakeWriter{err: kafka.UnknownTopicOrPartition})
	_, err = d.Submit(context.Background(), testJob(sourceFile(t, "x")))
	if !errors.Is(err, errors.ErrDeviceUnavailable) {
		t.Errorf("unknown topic error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestRegistry(t *testing.T) {
	r, err := BuildRegistry(map[string]Config{
		"office": {Type: KindSpool, Directory: t.TempDir()},
		"lp":     {Type: KindCommand, Command: []string{"lp"}},
	})
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	defer r.Close()

	if got := strings.Join(r.Names(), ","); got != "lp,office" {
		t.Errorf("Names() = %q", got)
	}
	if d, err := r.Get("office"); err != nil || d.Name() != "office" {
		t.Errorf("Get(office) = %v, %v", d, err)
	}
	_, err = r.Get("nope")
	if !errors.Is(err, errors.ErrUnknownDevice) || !errors.IsPermanent(err) {
		t.Errorf("Get(nope) error = %v", err)
	}
	if err := r.Register(NewSpool("office", "/x")); err == nil {
		t.Error("duplicate Register succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"spool ok", Config{Type: KindSpool, Directory: "/spool"}, false},
		{"spool no dir", Config{Type: KindSpool}, true},
		{"command ok", Config{Type: KindCommand, Command: []string{"lp"}}, false},
		{"command empty", Config{Type: KindCommand}, true},
		{"s3 ok", Config{Type: KindS3, Endpoint: "localhost:9000", Bucket: "b"}, false},
		{"s3 no bucket", Config{Type: KindS3, Endpoint: "localhost:9000"}, true},
		{"kafka ok", Config{Type: KindKafka, Brokers: []string{"k:9092"}, Topic: "t"}, false},
		{"kafka no topic", Config{Type: KindKafka, Brokers: []string{"k:9092"}}, true},
		{"unknown", Config{Type: "fax"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
