// Command segupload uploads a file through the segmented upload control of a web form and submits the form.
//
// It is configured through environment variables, see Config.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-segupload/export"
	"github.com/bitrise-io/go-segupload/stepconf"
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// Config is read from the environment.
//
//	page_url          page holding the form
//	file              path, file:// URL, remote URL or glob pattern matching exactly one file
//	field             field name of the upload control, defaults to the first control of the page
//	form_values       key=value pairs overriding regular form values, separated by |
//	anonymous         establish an anonymous upload session before uploading
//	poll_interval     delay between finalize polls, as a duration or in milliseconds
//	hash_block_size   read size of the file digests, such as 2MiB
//	token_output_key  export the materialization token under this key with envman
type Config struct {
	PageURL        string        `env:"page_url,required"`
	File           string        `env:"file,required"`
	Field          string        `env:"field"`
	FormValues     []string      `env:"form_values"`
	Anonymous      bool          `env:"anonymous"`
	PollInterval   time.Duration `env:"poll_interval"`
	HashBlockSize  string        `env:"hash_block_size"`
	Concurrency    int           `env:"concurrency"`
	Timeout        time.Duration `env:"timeout"`
	TokenOutputKey string        `env:"token_output_key"`
	Verbose        bool          `env:"verbose"`
}

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	var config Config
	if err := stepconf.NewInputParser(env.NewRepository()).Parse(&config); err != nil {
		return err
	}
	stepconf.Print(config)
	logger.EnableDebugLog(config.Verbose)
	logger.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	files := stepconf.NewFileProvider(filedownloader.NewDownloader(logger), pathutil.NewPathProvider(), pathutil.NewPathModifier())

	u, err := newUploader(config, files, pathutil.NewPathModifier(), logger)
	if err != nil {
		return err
	}

	result, err := u.upload(ctx)
	if err != nil {
		return err
	}

	logger.Donef("Uploaded %s into %s, token: %s", result.File, result.Field, result.Token)

	if config.TokenOutputKey != "" {
		exporter := export.NewExporter(command.NewFactory(env.NewRepository()))
		if err := exporter.ExportOutput(config.TokenOutputKey, result.Token); err != nil {
			return err
		}
		logger.Printf("Exported token as %s", config.TokenOutputKey)
	}

	return nil
}
