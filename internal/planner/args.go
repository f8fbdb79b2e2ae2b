package planner

// BuildArgsBase constructs the frozen per-track ffmpeg argument prefix
// described in spec §6's command template, up to (but not including) the
// audio-codec choice and the progress/output suffix the Track Executor
// appends at spawn time (spec §4.6 step 4). The frame rate is fixed at 1fps
// globally, per spec §6.
func BuildArgsBase(preset Preset, imagePath, audioPath string) []string {
	args := []string{
		"-y", "-nostdin", "-loglevel", "error",
		"-loop", "1", "-framerate", "1", "-i", imagePath,
		"-i", audioPath,
		"-map", "0:v:0", "-map", "1:a:0",
	}
	if preset.Engine.Filter != nil {
		if vf := preset.Engine.Filter(); vf != "" {
			args = append(args, "-vf", vf)
		}
	}
	args = append(args, "-r", "1", "-vsync", "cfr")
	if preset.Engine.Video != nil {
		args = append(args, preset.Engine.Video()...)
	}
	return args
}
