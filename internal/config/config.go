package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/camzilla/internal/errcode"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 64 * 1024

// Ports is the number of ports in each power bank.
const Ports = 3

// RobotConfig describes the pan/tilt head and its motion controller.
type RobotConfig struct {
	Available        bool    `yaml:"available"`
	DeviceName       string  `yaml:"device_name"`              // e.g., "/dev/ttyACM0"
	BaudRate         int     `yaml:"baud_rate"`                // default 9600
	PulsesPerDegree  float64 `yaml:"pulses_per_degree"`        // encoder pulses per degree
	ParkIdleTimeMin  float64 `yaml:"park_robot_idle_time_min"` // idle minutes before parking
	ParkPosition     string  `yaml:"park_position"`            // "x/y" in degrees, default "0/0"
	PowerSaveMode    bool    `yaml:"power_save_mode"`          // power down after parking
	ReadTimeoutMs    int     `yaml:"read_timeout_ms"`          // 0 = block until a line arrives
	ConnectBackoffMs int     `yaml:"connect_backoff_ms"`       // wait between connect attempts
}

// PinsConfig maps every bank port to a BCM pin.
type PinsConfig struct {
	Ext [Ports]int `yaml:"ext"`
	USB [Ports]int `yaml:"usb"`
}

// PowerConfig assigns the rails to power board ports (1..3).
type PowerConfig struct {
	ExtPortCamera int        `yaml:"ext_port_camera"`
	ExtPortHeater int        `yaml:"ext_port_heater"`
	USBPortCamera int        `yaml:"usb_port_camera"`
	USBPortRobot  int        `yaml:"usb_port_robot"`
	Pins          PinsConfig `yaml:"pins"`
	ActiveLow     bool       `yaml:"active_low"` // relay boards switching on a low level
}

// CameraConfig describes the still camera and where its pictures go.
type CameraConfig struct {
	Gphoto2        string `yaml:"gphoto2"`        // command line, e.g. "/usr/bin/gphoto2 --port usb:"
	PictureFolder  string `yaml:"picture_folder"` // required
	ScratchFolder  string `yaml:"scratch_folder"`
	Autofocus      bool   `yaml:"autofocus"`
	UnknownMarker  string `yaml:"unknown_marker"`          // camera file prefix of pictures not taken by us
	ThroughputBps  int64  `yaml:"transfer_throughput_bps"` // 0 = no pacing
	TransferWaitMs int    `yaml:"transfer_min_wait_ms"`
}

// WebcamConfig is optional. An empty Wget disables the webcam target.
type WebcamConfig struct {
	Wget          string `yaml:"wget"`
	URL           string `yaml:"url"`
	PictureFolder string `yaml:"picture_folder"`
}

// ConsumerConfig is the downstream consumer paused around transfers.
type ConsumerConfig struct {
	PauseURL  string `yaml:"pause_url"`
	ResumeURL string `yaml:"resume_url"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	WebPort    int  `yaml:"web_port"`    // default port of the HTTP surface
	QueueSize  int  `yaml:"queue_size"`  // inbound command queue capacity
}

// Config aggregates all application configuration.
type Config struct {
	Robot    RobotConfig    `yaml:"robot"`
	Power    PowerConfig    `yaml:"power"`
	Camera   CameraConfig   `yaml:"camera"`
	Webcam   WebcamConfig   `yaml:"webcam"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only *.yaml files directly inside a configs/
// directory, without ".." elements.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errcode.New(errcode.Configuration, "config path", "empty path")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return errcode.New(errcode.Configuration, "config path", fmt.Sprintf("%q: path traversal", path))
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return errcode.New(errcode.Configuration, "config path", fmt.Sprintf("%q: extension must be .yaml", path))
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return errcode.New(errcode.Configuration, "config path", fmt.Sprintf("%q: must be inside a configs/ directory", path))
	}
	return nil
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.Configuration, "read config file", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, errcode.Wrap(errcode.Configuration, "read config file", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, errcode.New(errcode.Configuration, "read config file", fmt.Sprintf("larger than %d bytes", MaxConfigFileBytes))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errcode.Wrap(errcode.Configuration, "unmarshal yaml", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Robot.BaudRate <= 0 {
		c.Robot.BaudRate = 9600
	}
	if c.Robot.ParkPosition == "" {
		c.Robot.ParkPosition = "0/0"
	}
	if c.Robot.ConnectBackoffMs <= 0 {
		c.Robot.ConnectBackoffMs = 500
	}
	if c.Camera.Gphoto2 == "" {
		c.Camera.Gphoto2 = "/usr/bin/gphoto2"
	}
	if c.Camera.ScratchFolder == "" && c.Camera.PictureFolder != "" {
		c.Camera.ScratchFolder = filepath.Join(c.Camera.PictureFolder, ".tmp")
	}
	if c.Camera.UnknownMarker == "" {
		c.Camera.UnknownMarker = "DSC_"
	}
	if c.Camera.TransferWaitMs <= 0 {
		c.Camera.TransferWaitMs = 1000
	}
	if c.Defaults.WebPort <= 0 {
		c.Defaults.WebPort = 8080
	}
	if c.Defaults.QueueSize <= 0 {
		c.Defaults.QueueSize = 32
	}
}

// Validate checks the assignment and the required fields.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return errcode.New(errcode.Configuration, "config", fmt.Sprintf(format, args...))
	}
	if c.Camera.PictureFolder == "" {
		return bad("camera.picture_folder is required")
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return bad("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	ports := []struct {
		name string
		v    int
	}{
		{"power.ext_port_camera", c.Power.ExtPortCamera},
		{"power.ext_port_heater", c.Power.ExtPortHeater},
		{"power.usb_port_camera", c.Power.USBPortCamera},
	}
	if c.Robot.Available {
		ports = append(ports, struct {
			name string
			v    int
		}{"power.usb_port_robot", c.Power.USBPortRobot})
	}
	for _, p := range ports {
		if p.v < 1 || p.v > Ports {
			return bad("%s has to be set to 1, 2 or 3, got %d", p.name, p.v)
		}
	}
	if c.Power.ExtPortCamera == c.Power.ExtPortHeater {
		return bad("ext_port_camera and ext_port_heater must be different")
	}

	if c.Webcam.Wget != "" {
		if c.Webcam.URL == "" || c.Webcam.PictureFolder == "" {
			return bad("webcam.url and webcam.picture_folder are required when webcam.wget is set")
		}
	}

	if !c.Robot.Available {
		return nil
	}
	if c.Power.USBPortCamera == c.Power.USBPortRobot {
		return bad("usb_port_camera and usb_port_robot must be different")
	}
	if c.Robot.DeviceName == "" {
		return bad("robot.device_name is required when a robot is available")
	}
	if c.Robot.PulsesPerDegree <= 0 {
		return bad("robot.pulses_per_degree must be > 0, got %g", c.Robot.PulsesPerDegree)
	}
	if c.Robot.ParkIdleTimeMin <= 0 {
		return bad("robot.park_robot_idle_time_min must be > 0, got %g", c.Robot.ParkIdleTimeMin)
	}
	if _, _, err := c.ParkPosition(); err != nil {
		return err
	}
	return nil
}

// ParkPosition parses robot.park_position ("x/y" degrees).
func (c *Config) ParkPosition() (x, y float64, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(c.Robot.ParkPosition), "/")
	if ok {
		var errX, errY error
		x, errX = strconv.ParseFloat(strings.TrimSpace(a), 64)
		y, errY = strconv.ParseFloat(strings.TrimSpace(b), 64)
		if errX == nil && errY == nil {
			return x, y, nil
		}
	}
	return 0, 0, errcode.New(errcode.Configuration, "config", fmt.Sprintf("robot.park_position %q must be \"x/y\"", c.Robot.ParkPosition))
}

// ParkIdle returns the idle time before the robot is parked.
func (c *Config) ParkIdle() time.Duration {
	return time.Duration(c.Robot.ParkIdleTimeMin * float64(time.Minute))
}

// ReadTimeout returns the serial read timeout. Zero blocks.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Robot.ReadTimeoutMs) * time.Millisecond
}

// ConnectBackoff returns the wait between controller connect attempts.
func (c *Config) ConnectBackoff() time.Duration {
	return time.Duration(c.Robot.ConnectBackoffMs) * time.Millisecond
}

// TransferMinWait returns the wait after a transfer that moved no file.
func (c *Config) TransferMinWait() time.Duration {
	return time.Duration(c.Camera.TransferWaitMs) * time.Millisecond
}
