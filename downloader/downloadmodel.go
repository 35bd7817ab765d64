// Copyright 2022 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/awdlstm/lstmlm"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the Hugging Face URL prefix. File URLs have the format
	// "{base}/{model_id}/resolve/{revision}/{filename}".
	DefaultBaseURL = "https://huggingface.co"
	// Default revision name for fetching model from Hugging Face repository
	defaultRevision = "main"
)

type modelFile struct {
	name     string
	optional bool
}

// modelsFiles contains the set of files to download. The configuration
// can be deduced from the weights, so a repository may omit it.
var modelsFiles = []modelFile{
	{name: lstmlm.DefaultConfigFilename, optional: true},
	{name: lstmlm.DefaultPyModelFilename},
	{name: lstmlm.DefaultPyVocabFilename},
}

// Options customizes a download.
type Options struct {
	// BaseURL replaces DefaultBaseURL.
	BaseURL string
	// Revision is the repository revision (default: "main").
	Revision string
	// AccessToken, if set, is sent as a bearer token.
	AccessToken string
	// OverwriteIfExist forces the download of files already present.
	OverwriteIfExist bool
	// Client replaces http.DefaultClient.
	Client *http.Client
}

// Download downloads a pre-trained fastai AWD-LSTM model from a
// huggingface.co repository into modelsDir/modelName.
//
// If one or more directory levels don't yet exist, they are created
// setting the permissions bits to 0755 (rwxr-xr-x).
//
// By setting the flag OverwriteIfExist to false, any file that already
// exists is kept and considered as already successfully downloaded. If
// the flag is otherwise set to true, existing files will be forcefully
// downloaded and overwritten.
func Download(ctx context.Context, modelsDir, modelName string, opts Options) error {
	d := downloader{
		modelPath: filepath.Join(modelsDir, modelName),
		modelName: modelName,
		opts:      opts,
	}
	if d.opts.BaseURL == "" {
		d.opts.BaseURL = DefaultBaseURL
	}
	if d.opts.Revision == "" {
		d.opts.Revision = defaultRevision
	}
	if d.opts.Client == nil {
		d.opts.Client = http.DefaultClient
	}
	return d.download(ctx)
}

// downloader is a helper struct for downloading a model.
type downloader struct {
	modelPath string
	modelName string
	opts      Options
}

// errNotFound is returned by downloadFile when the server responds 404.
type errNotFound struct {
	url string
}

func (e errNotFound) Error() string {
	return fmt.Sprintf("%#v not found", e.url)
}

func (d downloader) download(ctx context.Context) error {
	if err := d.ensureModelPath(); err != nil {
		return err
	}
	for _, f := range modelsFiles {
		err := d.downloadFile(ctx, f.name)
		var notFound errNotFound
		if errors.As(err, &notFound) && f.optional {
			log.Debug().Str("file", f.name).Msg("optional model file not available, skipping")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d downloader) ensureModelPath() error {
	if info, err := os.Stat(d.modelPath); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(d.modelPath, 0755); err != nil {
		return fmt.Errorf("error creating model path %#v: %w", d.modelPath, err)
	}
	return nil
}

func (d downloader) downloadFile(ctx context.Context, name string) (err error) {
	fPath := filepath.Join(d.modelPath, name)
	if info, err := os.Stat(fPath); !d.opts.OverwriteIfExist && err == nil && !info.IsDir() {
		log.Debug().Str("file", fPath).Msg("model file already exists, skipping download")
		return nil
	}

	url := d.bucketURL(name)
	log.Debug().Str("url", url).Str("destination", fPath).Msg("downloading")

	resp, err := d.httpGet(ctx, url)
	if err != nil {
		return fmt.Errorf("error getting %#v: %w", url, err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing %#v response body: %w", url, e)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errNotFound{url: url}
	default:
		return fmt.Errorf("%#v responded with %s", url, resp.Status)
	}

	// The file is written next to its destination and renamed once
	// complete, so that an interrupted download is never mistaken for a
	// finished one.
	tmpPath := fPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("error creating file %#v: %w", tmpPath, err)
	}

	prog := newDownloadProgress(name, int(resp.ContentLength))
	prog.Start()
	_, err = io.Copy(f, io.TeeReader(resp.Body, prog))
	prog.Stop()

	if e := f.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("error downloading %#v to %#v: %w", url, fPath, err)
	}
	return os.Rename(tmpPath, fPath)
}

func (d downloader) httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.opts.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.AccessToken)
	}
	return d.opts.Client.Do(req)
}

func (d downloader) bucketURL(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimSuffix(d.opts.BaseURL, "/"), d.modelName, d.opts.Revision, fileName)
}
