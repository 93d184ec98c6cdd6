package hwmedia

// UpdateRates pushes a new frame rate and target bitrate to a running
// encoder. Buffers and state are untouched, rejected values are ignored,
// and the frame interval is only re-sent when it changes. A closed session
// ignores the call. Under VBR a target above the current peak raises the
// peak with it, since drivers clamp the target to the peak.
func (s *EncodeSession) UpdateRates(framerate, bitrateBps int) {
	if s.dev == nil {
		return
	}

	if framerate > 0 && framerate != s.cfg.Framerate {
		applyFrameInterval(s.dev, s.log, framerate)
		s.cfg.Framerate = framerate
	}
	if bitrateBps > 0 {
		if s.cfg.RateControl == RateControlVBR && s.cfg.MaxBitrateBps < bitrateBps {
			applyControl(s.dev, s.log, "bitrate_peak", v4l2CIDBitratePeak, int32(bitrateBps))
			s.cfg.MaxBitrateBps = bitrateBps
		}
		applyControl(s.dev, s.log, "bitrate", v4l2CIDBitrate, int32(bitrateBps))
		s.cfg.BitrateBps = bitrateBps
	}

	s.log.Debug().Int("fps", s.cfg.Framerate).Int("bitrate_bps", s.cfg.BitrateBps).Msg("rates updated")
}

// UpdateKeyframeInterval changes the distance between IDR frames.
func (s *EncodeSession) UpdateKeyframeInterval(frames int) {
	if s.dev == nil || frames <= 0 {
		return
	}
	for _, c := range keyframeControls(s.cfg.Codec, frames) {
		applyControl(s.dev, s.log, c.name, c.id, c.value)
	}
	s.cfg.KeyframeInterval = frames
}
