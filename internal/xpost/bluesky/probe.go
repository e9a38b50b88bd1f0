package bluesky

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/abema/go-mp4"
	"github.com/blacktop/xpost/internal/logutil"
	"github.com/bluesky-social/indigo/api/bsky"
)

var defaultVideoAspect = bsky.EmbedDefs_AspectRatio{Width: 16, Height: 9}

// imageAspectRatio reads the image header for its intrinsic size. Unknown
// formats yield nil and the embed is sent without a hint.
func imageAspectRatio(data []byte) *bsky.EmbedDefs_AspectRatio {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		logutil.Debugf("image size probe skipped: %v", err)
		return nil
	}
	logutil.Debugf("image size probe: format=%s %dx%d", format, cfg.Width, cfg.Height)
	return &bsky.EmbedDefs_AspectRatio{Width: int64(cfg.Width), Height: int64(cfg.Height)}
}

// videoAspectRatio reads the display size of the first visual track from the
// MP4 track header, falling back to 16:9.
func videoAspectRatio(data []byte) *bsky.EmbedDefs_AspectRatio {
	w, h, ok := probeMP4(data)
	if !ok {
		ar := defaultVideoAspect
		return &ar
	}
	return &bsky.EmbedDefs_AspectRatio{Width: w, Height: h}
}

func probeMP4(data []byte) (w, h int64, ok bool) {
	defer func() {
		// malformed boxes can panic inside the parser
		if r := recover(); r != nil {
			logutil.Debugf("mp4 probe panic: %v", r)
			w, h, ok = 0, 0, false
		}
	}()

	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, mp4.BoxPath{
		mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeTkhd(),
	})
	if err != nil {
		logutil.Debugf("mp4 probe failed: %v", err)
		return 0, 0, false
	}
	for _, box := range boxes {
		tkhd, isTkhd := box.Payload.(*mp4.Tkhd)
		if !isTkhd {
			continue
		}
		// width and height are 16.16 fixed point; audio tracks carry zero
		tw, th := int64(tkhd.Width>>16), int64(tkhd.Height>>16)
		if tw <= 0 || th <= 0 {
			continue
		}
		if rotated(tkhd.Matrix) {
			tw, th = th, tw
		}
		return tw, th, true
	}
	return 0, 0, false
}

// rotated reports a 90 or 270 degree display matrix, as phones write for
// portrait recordings.
func rotated(m [9]int32) bool {
	return m[0] == 0 && m[4] == 0 && m[1] != 0 && m[3] != 0
}
