package threshold

import (
	"fmt"

	"gocv.io/x/gocv"
)

const (
	MethodGaussian = "ADAPTIVE_THRESH_GAUSSIAN_C"
	MethodMean     = "ADAPTIVE_THRESH_MEAN_C"

	TypeBinaryInv = "THRESH_BINARY_INV"
	TypeBinary    = "THRESH_BINARY"
)

// Config holds the preprocessing and decision parameters of the pixel-count detector
type Config struct {
	Threshold        int     `json:"threshold"`
	ScaleFactor      float64 `json:"scale_factor"`
	AdaptiveMaxValue float64 `json:"adaptive_threshold_max_val"`
	AdaptiveMethod   string  `json:"adaptive_threshold_method"`
	ThresholdType    string  `json:"threshold_type"`
	BlockSize        int     `json:"block_size"`
	CConstant        float64 `json:"c_constant"`
	MedianBlurKsize  int     `json:"median_blur_ksize"`
	DilateKernelSize int     `json:"dilate_kernel_size"`
	DilateIterations int     `json:"dilate_iterations"`
}

// DefaultConfig returns the parameters tuned for the reference parking lot footage
func DefaultConfig() Config {
	return Config{
		Threshold:        3000,
		ScaleFactor:      0.67,
		AdaptiveMaxValue: 255,
		AdaptiveMethod:   MethodGaussian,
		ThresholdType:    TypeBinaryInv,
		BlockSize:        25,
		CConstant:        16,
		MedianBlurKsize:  5,
		DilateKernelSize: 3,
		DilateIterations: 1,
	}
}

// Validate checks the parameters OpenCV would otherwise reject at runtime
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", c.Threshold)
	}
	if c.ScaleFactor <= 0 {
		return fmt.Errorf("scale factor must be positive, got %f", c.ScaleFactor)
	}
	if c.BlockSize <= 1 || c.BlockSize%2 == 0 {
		return fmt.Errorf("block size must be odd and greater than 1, got %d", c.BlockSize)
	}
	if c.MedianBlurKsize <= 1 || c.MedianBlurKsize%2 == 0 {
		return fmt.Errorf("median blur kernel must be odd and greater than 1, got %d", c.MedianBlurKsize)
	}
	if c.DilateKernelSize <= 0 {
		return fmt.Errorf("dilate kernel size must be positive, got %d", c.DilateKernelSize)
	}
	if c.DilateIterations < 0 {
		return fmt.Errorf("dilate iterations must not be negative, got %d", c.DilateIterations)
	}
	if _, err := adaptiveMethod(c.AdaptiveMethod); err != nil {
		return err
	}
	if _, err := thresholdType(c.ThresholdType); err != nil {
		return err
	}
	return nil
}

func adaptiveMethod(name string) (gocv.AdaptiveThresholdType, error) {
	switch name {
	case MethodGaussian, "":
		return gocv.AdaptiveThresholdGaussian, nil
	case MethodMean:
		return gocv.AdaptiveThresholdMean, nil
	default:
		return 0, fmt.Errorf("unknown adaptive threshold method %q", name)
	}
}

func thresholdType(name string) (gocv.ThresholdType, error) {
	switch name {
	case TypeBinaryInv, "":
		return gocv.ThresholdBinaryInv, nil
	case TypeBinary:
		return gocv.ThresholdBinary, nil
	default:
		return 0, fmt.Errorf("unknown threshold type %q", name)
	}
}
