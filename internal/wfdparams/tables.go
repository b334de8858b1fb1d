package wfdparams

// Resolution describes one entry of the CEA/VESA/HH resolution
// tables indexed by the wfd_video_formats bitmasks (spec §6), ported
// from the original VideoFormats.cpp tables rather than re-derived —
// the masks are meaningless without the concrete table they index.
type Resolution struct {
	Width, Height int
	FPS           int
	Interlaced    bool
}

// ResolutionClass distinguishes which of the three independent
// 32-bit enablement masks a resolution index belongs to.
type ResolutionClass int

const (
	ClassCEA ResolutionClass = iota
	ClassVESA
	ClassHH
)

// CEAResolutions is indexed by bit position in the CEA mask.
var CEAResolutions = []Resolution{
	{640, 480, 60, false},
	{720, 480, 60, false},
	{720, 480, 60, true},
	{720, 576, 50, false},
	{720, 576, 50, true},
	{1280, 720, 30, false},
	{1280, 720, 60, false},
	{1920, 1080, 30, false},
	{1920, 1080, 60, false},
	{1920, 1080, 60, true},
	{1280, 720, 25, false},
	{1280, 720, 50, false},
	{1920, 1080, 25, false},
	{1920, 1080, 50, false},
	{1920, 1080, 50, true},
	{1280, 720, 24, false},
	{1920, 1080, 24, false},
	{4096, 2160, 24, false},
	{4096, 2160, 25, false},
}

// VESAResolutions is indexed by bit position in the VESA mask.
var VESAResolutions = []Resolution{
	{800, 600, 30, false},
	{800, 600, 60, false},
	{1024, 768, 30, false},
	{1024, 768, 60, false},
	{1152, 854, 30, false},
	{1152, 854, 60, false},
	{1280, 768, 30, false},
	{1280, 768, 60, false},
	{1280, 800, 30, false},
	{1280, 800, 60, false},
	{1360, 768, 30, false},
	{1360, 768, 60, false},
	{1366, 768, 30, false},
	{1366, 768, 60, false},
	{1280, 1024, 30, false},
	{1280, 1024, 60, false},
	{1400, 1050, 30, false},
}

// HHResolutions is indexed by bit position in the handheld mask.
var HHResolutions = []Resolution{
	{800, 480, 30, false},
	{800, 480, 60, false},
	{854, 480, 30, false},
	{854, 480, 60, false},
	{864, 480, 30, false},
	{864, 480, 60, false},
	{640, 360, 30, false},
	{640, 360, 60, false},
	{960, 540, 30, false},
	{960, 540, 60, false},
	{848, 480, 30, false},
	{848, 480, 60, false},
}

func tableFor(c ResolutionClass) []Resolution {
	switch c {
	case ClassCEA:
		return CEAResolutions
	case ClassVESA:
		return VESAResolutions
	case ClassHH:
		return HHResolutions
	default:
		return nil
	}
}
