package media

// CaptureOptions bounds what the device capturer asks for.
type CaptureOptions struct {
	Width        int
	Height       int
	FrameRate    float32
	VideoBitRate int
	AudioBitRate int
}

func (o CaptureOptions) withDefaults() CaptureOptions {
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_500_000
	}
	if o.AudioBitRate <= 0 {
		o.AudioBitRate = 64_000
	}
	return o
}
