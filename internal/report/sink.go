// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package report

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/juju/backupverifier/core/backup"
)

var logger = loggo.GetLogger("backupverifier.report")

// Sink publishes a finished report.
type Sink interface {
	Publish(ctx context.Context, r backup.Report) error
}

// Marshal returns the YAML form of the report.
func Marshal(r backup.Report) ([]byte, error) {
	data, err := yaml.Marshal(r)
	return data, errors.Annotate(err, "marshalling report")
}

// Unmarshal parses a report written by Marshal.
func Unmarshal(data []byte) (backup.Report, error) {
	var r backup.Report
	err := yaml.Unmarshal(data, &r)
	return r, errors.Annotate(err, "unmarshalling report")
}

// LogSink writes the rendered report to a logger, at INFO when the run
// succeeded and ERROR when it did not.
type LogSink struct {
	Logger loggo.Logger
}

// Publish is part of the Sink interface.
func (s LogSink) Publish(_ context.Context, r backup.Report) error {
	text := Render(r)
	if r.Success() {
		s.Logger.Infof("%s\n%s", Subject(r), text)
	} else {
		s.Logger.Errorf("%s\n%s", Subject(r), text)
	}
	return nil
}

// FileSink writes the report as YAML to Path, and the rendered text next
// to it with a .txt extension.
type FileSink struct {
	Path string
}

// Publish is part of the Sink interface.
func (s FileSink) Publish(_ context.Context, r backup.Report) error {
	data, err := Marshal(r)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return errors.Annotatef(err, "creating report directory")
	}
	if err := writeFile(s.Path, data); err != nil {
		return errors.Trace(err)
	}
	text := strings.TrimSuffix(s.Path, filepath.Ext(s.Path)) + ".txt"
	return errors.Trace(writeFile(text, []byte(Render(r))))
}

func writeFile(path string, data []byte) error {
	return errors.Annotatef(utils.AtomicWriteFile(path, data, 0644), "writing %s", path)
}

// S3Client is the subset of *s3.Client used by S3Sink.
type S3Client interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ S3Client = (*s3.Client)(nil)

// S3Sink archives reports in a bucket, under
// <prefix>/<date>/<run id>.yaml with the rendered text alongside.
type S3Sink struct {
	Client S3Client
	Bucket string
	Prefix string
}

// Key returns the object key of the report's YAML form.
func (s S3Sink) Key(r backup.Report) string {
	name := r.RunID
	if name == "" {
		name = r.StartTime.UTC().Format("150405")
	}
	return path.Join(s.Prefix, r.StartTime.UTC().Format("2006-01-02"), name+".yaml")
}

// Publish is part of the Sink interface.
func (s S3Sink) Publish(ctx context.Context, r backup.Report) error {
	data, err := Marshal(r)
	if err != nil {
		return errors.Trace(err)
	}
	key := s.Key(r)
	if err := s.put(ctx, key, "application/yaml", data); err != nil {
		return errors.Trace(err)
	}
	text := strings.TrimSuffix(key, ".yaml") + ".txt"
	if err := s.put(ctx, text, "text/plain; charset=utf-8", []byte(Render(r))); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("archived report to s3://%s/%s", s.Bucket, key)
	return nil
}

func (s S3Sink) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return errors.Annotatef(err, "uploading s3://%s/%s", s.Bucket, key)
}

// MultiSink publishes to every sink in turn, even when some fail. The
// returned error combines their failures.
type MultiSink []Sink

// Publish is part of the Sink interface.
func (m MultiSink) Publish(ctx context.Context, r backup.Report) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, r); err != nil {
			logger.Errorf("publishing report: %v", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
