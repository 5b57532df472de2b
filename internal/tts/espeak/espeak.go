// Package espeak renders text with the espeak-ng library.
package espeak

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

static short *vox_buf = NULL;
static size_t vox_len = 0;
static size_t vox_cap = 0;

static int
vox_collect(short *wav, int n, espeak_EVENT *events)
{
	if (!wav || n <= 0)
	{ return 0; }

	if (vox_len + n > vox_cap) {
		size_t cap = vox_cap ? vox_cap : 16384;
		while (cap < vox_len + n)
		{ cap *= 2; }
		short *p = realloc(vox_buf, cap * sizeof(short));
		if (!p)
		{ return 1; }
		vox_buf = p;
		vox_cap = cap;
	}

	memcpy(vox_buf + vox_len, wav, n * sizeof(short));
	vox_len += n;
	return 0;
}

static int
vox_init(const char *voice, int speed)
{
	int rate = espeak_Initialize(AUDIO_OUTPUT_SYNCHRONOUS, 500, NULL, 0);
	if (rate <= 0)
	{ return -1; }

	espeak_SetSynthCallback(vox_collect);
	if (espeak_SetVoiceByName(voice) != EE_OK)
	{ return -2; }
	espeak_SetParameter(espeakRATE, speed, 0);

	return rate;
}

static int
vox_synth(const char *text)
{
	vox_len = 0;
	if (espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL) != EE_OK)
	{ return -1; }
	if (espeak_Synchronize() != EE_OK)
	{ return -1; }
	return 0;
}

static short *vox_samples(void) { return vox_buf; }
static size_t vox_count(void) { return vox_len; }

static void
vox_terminate(void)
{
	espeak_Terminate();
	free(vox_buf);
	vox_buf = NULL;
	vox_len = vox_cap = 0;
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"voxhub/internal/config"
)

// espeak keeps one global synthesizer per process.
var mu sync.Mutex

type Engine struct {
	rate int
}

func New(cfg config.TTSConfig) (*Engine, error) {
	mu.Lock()
	defer mu.Unlock()

	voice := C.CString(cfg.Voice)
	defer C.free(unsafe.Pointer(voice))

	rc := C.vox_init(voice, C.int(cfg.Speed))
	switch {
	case rc == -1:
		return nil, errors.New("espeak initialize failed")
	case rc == -2:
		C.vox_terminate()
		return nil, fmt.Errorf("unknown espeak voice %q", cfg.Voice)
	}
	return &Engine{rate: int(rc)}, nil
}

func (e *Engine) Name() string { return "espeak" }

// Synthesize blocks until the whole text is rendered; ctx is only checked
// before starting.
func (e *Engine) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	if text == "" {
		return nil, e.rate, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, e.rate, err
	}

	mu.Lock()
	defer mu.Unlock()

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	if rc := C.vox_synth(ctext); rc != 0 {
		return nil, e.rate, fmt.Errorf("espeak synth failed: %d", int(rc))
	}

	n := int(C.vox_count())
	if n == 0 {
		return nil, e.rate, nil
	}
	samples := unsafe.Slice((*int16)(unsafe.Pointer(C.vox_samples())), n)
	return append([]int16(nil), samples...), e.rate, nil
}

func (e *Engine) Close() error {
	mu.Lock()
	defer mu.Unlock()
	C.vox_terminate()
	return nil
}
