package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a timeout such as "180", "3m" or "3 minutes".
// A bare number is taken as seconds.
func ParseDuration(durationStr string) (time.Duration, error) {
	durationStr = strings.ToLower(strings.TrimSpace(durationStr))

	if val, err := strconv.Atoi(durationStr); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("duration must not be negative: %s", durationStr)
		}
		return time.Duration(val) * time.Second, nil
	}

	if duration, err := time.ParseDuration(durationStr); err == nil {
		return duration, nil
	}

	parts := strings.Fields(durationStr)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid duration format: %s", durationStr)
	}

	val, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", parts[0])
	}

	unit := parts[1]
	switch {
	case strings.HasPrefix(unit, "second"):
		return time.Duration(val) * time.Second, nil
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(val) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(val) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration unit: %s", unit)
	}
}

// FormatDuration renders an elapsed time for progress output
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if d < time.Hour {
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes %= 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// ec2Sizes lists the sizes offered per EC2 instance family
var ec2Sizes = map[string][]string{
	"t1": {"micro"},
	"m1": {"small", "medium", "large", "xlarge"},
	"c1": {"medium", "xlarge"},
	"t2": {"nano", "micro", "small", "medium", "large", "xlarge", "2xlarge"},
	"t3": {"nano", "micro", "small", "medium", "large", "xlarge", "2xlarge"},
	"m5": {"large", "xlarge", "2xlarge", "4xlarge", "8xlarge", "12xlarge", "16xlarge", "24xlarge"},
	"c5": {"large", "xlarge", "2xlarge", "4xlarge", "9xlarge", "12xlarge", "18xlarge", "24xlarge"},
}

// ValidateInstanceType checks an EC2 instance type such as "m1.medium"
func ValidateInstanceType(instanceType string) error {
	family, size, ok := strings.Cut(instanceType, ".")
	if !ok {
		return fmt.Errorf("invalid instance type: %s", instanceType)
	}

	for _, s := range ec2Sizes[family] {
		if s == size {
			return nil
		}
	}

	return fmt.Errorf("invalid instance type: %s", instanceType)
}

// ValidateAvailabilityZone checks an EC2 zone name such as "us-east-1b".
// An empty zone lets the provider choose.
func ValidateAvailabilityZone(az string) error {
	if az == "" {
		return nil
	}

	parts := strings.Split(az, "-")
	if len(parts) < 3 {
		return fmt.Errorf("invalid availability zone format: %s", az)
	}

	// The last part is the region number followed by the zone letter
	lastPart := parts[len(parts)-1]
	if len(lastPart) < 2 {
		return fmt.Errorf("invalid availability zone format: %s", az)
	}
	letter := lastPart[len(lastPart)-1]
	if letter < 'a' || letter > 'z' {
		return fmt.Errorf("invalid availability zone format: %s", az)
	}
	if _, err := strconv.Atoi(lastPart[:len(lastPart)-1]); err != nil {
		return fmt.Errorf("invalid availability zone format: %s", az)
	}

	return nil
}

// ValidatePort checks that port is a usable TCP port
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	return nil
}

// ParsePortRange expands "9000-9009" (or a single "8080") into its ports
func ParsePortRange(portRange string) ([]int, error) {
	portRange = strings.TrimSpace(portRange)
	if portRange == "" {
		return nil, nil
	}

	fromStr, toStr, isRange := strings.Cut(portRange, "-")
	if !isRange {
		toStr = fromStr
	}

	from, err := strconv.Atoi(strings.TrimSpace(fromStr))
	if err != nil {
		return nil, fmt.Errorf("invalid port range %q: %w", portRange, err)
	}
	to, err := strconv.Atoi(strings.TrimSpace(toStr))
	if err != nil {
		return nil, fmt.Errorf("invalid port range %q: %w", portRange, err)
	}
	if err := ValidatePort(from); err != nil {
		return nil, err
	}
	if err := ValidatePort(to); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("invalid port range %q: start after end", portRange)
	}

	ports := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}
