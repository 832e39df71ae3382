// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Option configures an [Engine] at construction or a single operation.
type Option func(*options)

type options struct {
	log    zerolog.Logger
	fs     afero.Fs
	mapper MapFunc
	subs   []Subscriber
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithFs sets the filesystem sources, archives and extracted files live on.
// Memory mapping is only attempted on files of [afero.OsFs].
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithSubscriber adds a progress subscriber.
func WithSubscriber(s Subscriber) Option {
	return func(o *options) {
		if s != nil {
			o.subs = append(o.subs, s)
		}
	}
}

// WithMapper replaces the memory mapping function. A nil mapper makes every
// mapping attempt fall back to buffered reads.
func WithMapper(m MapFunc) Option {
	return func(o *options) { o.mapper = m }
}

func defaultOptions() options {
	return options{
		log:    zerolog.Nop(),
		fs:     afero.NewOsFs(),
		mapper: defaultMapper,
	}
}

// with returns the engine options extended by per-operation ones.
func (e *Engine) with(opts []Option) options {
	o := e.opts
	o.subs = append([]Subscriber(nil), e.opts.subs...)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
