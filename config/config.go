package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("output.dir", "AVRECORD_OUTPUT_DIR")
	v.BindEnv("output.container", "AVRECORD_CONTAINER")
	v.BindEnv("video.width", "AVRECORD_VIDEO_WIDTH")
	v.BindEnv("video.height", "AVRECORD_VIDEO_HEIGHT")
	v.BindEnv("video.fps", "AVRECORD_VIDEO_FPS")
	v.BindEnv("video.quality", "AVRECORD_VIDEO_QUALITY")
	v.BindEnv("video.bitrate", "AVRECORD_VIDEO_BITRATE")
	v.BindEnv("video.source", "AVRECORD_VIDEO_SOURCE")
	v.BindEnv("audio.sample_rate", "AVRECORD_AUDIO_SAMPLE_RATE")
	v.BindEnv("audio.channels", "AVRECORD_AUDIO_CHANNELS")
	v.BindEnv("audio.source", "AVRECORD_AUDIO_SOURCE")
	v.BindEnv("source.loop", "AVRECORD_SOURCE_LOOP")
	v.BindEnv("mp4.fragment_duration", "AVRECORD_FRAGMENT_DURATION")
	v.BindEnv("encoder.start_delay", "AVRECORD_START_DELAY")
	v.BindEnv("encoder.poll_timeout", "AVRECORD_POLL_TIMEOUT")
	v.BindEnv("encoder.max_empty_polls", "AVRECORD_MAX_EMPTY_POLLS")
	v.BindEnv("shutdown.join_timeout", "AVRECORD_JOIN_TIMEOUT")
	v.BindEnv("manifest.enabled", "AVRECORD_MANIFEST")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.avrecord",
		"/etc/avrecord",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.dir", defaultOutputDir())
	v.SetDefault("output.container", "")

	v.SetDefault("video.width", 1280)
	v.SetDefault("video.height", 720)
	v.SetDefault("video.fps", 20)
	v.SetDefault("video.quality", "middle")
	v.SetDefault("video.bitrate", 0)
	v.SetDefault("video.source", "")

	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.source", "")

	v.SetDefault("source.loop", true)
	v.SetDefault("mp4.fragment_duration", 2*time.Second)
	v.SetDefault("encoder.start_delay", 200*time.Millisecond)
	v.SetDefault("encoder.poll_timeout", 10*time.Millisecond)
	v.SetDefault("encoder.max_empty_polls", 10)
	v.SetDefault("shutdown.join_timeout", 10*time.Second)
	v.SetDefault("manifest.enabled", true)
}

// defaultOutputDir is the user's videos directory, or the home directory
// when the platform has none.
func defaultOutputDir() string {
	if xdg.UserDirs.Videos != "" {
		return filepath.Join(xdg.UserDirs.Videos, "avrecord")
	}
	return filepath.Join(xdg.Home, "avrecord")
}

// ConfigFileUsed returns the config file that was loaded, or "".
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// GetOutputDir returns the directory recordings are written to
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetContainer returns the configured container format ("" picks it from the file name)
func GetContainer() string {
	return v.GetString("output.container")
}

// GetVideoWidth returns the requested video width
func GetVideoWidth() int {
	return v.GetInt("video.width")
}

// GetVideoHeight returns the requested video height
func GetVideoHeight() int {
	return v.GetInt("video.height")
}

// GetVideoFPS returns the target frame rate
func GetVideoFPS() int {
	return v.GetInt("video.fps")
}

// GetVideoQuality returns the bitrate quality level
func GetVideoQuality() string {
	return v.GetString("video.quality")
}

// GetVideoBitrate returns an explicit video bitrate, 0 for the quality table
func GetVideoBitrate() int {
	return v.GetInt("video.bitrate")
}

// GetVideoSource returns the H.264 elementary stream replayed as encoder output
func GetVideoSource() string {
	return v.GetString("video.source")
}

// GetAudioSampleRate returns the audio sample rate
func GetAudioSampleRate() int {
	return v.GetInt("audio.sample_rate")
}

// GetAudioChannels returns the audio channel count
func GetAudioChannels() int {
	return v.GetInt("audio.channels")
}

// GetAudioSource returns the ADTS stream replayed as encoder output
func GetAudioSource() string {
	return v.GetString("audio.source")
}

// GetSourceLoop reports whether replayed streams restart when exhausted
func GetSourceLoop() bool {
	return v.GetBool("source.loop")
}

// GetFragmentDuration returns the minimum MP4 fragment length
func GetFragmentDuration() time.Duration {
	return v.GetDuration("mp4.fragment_duration")
}

// GetStartDelay returns the grace delay before encoders start
func GetStartDelay() time.Duration {
	return v.GetDuration("encoder.start_delay")
}

// GetPollTimeout returns the bound of one encoder drain wait
func GetPollTimeout() time.Duration {
	return v.GetDuration("encoder.poll_timeout")
}

// GetMaxEmptyPolls returns how many empty polls end draining
func GetMaxEmptyPolls() int {
	return v.GetInt("encoder.max_empty_polls")
}

// GetJoinTimeout returns how long shutdown waits for each gate
func GetJoinTimeout() time.Duration {
	return v.GetDuration("shutdown.join_timeout")
}

// GetManifestEnabled reports whether a session manifest is written
func GetManifestEnabled() bool {
	return v.GetBool("manifest.enabled")
}
