package l1frames

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/roadside.fusion/internal/geo"
)

// DeviceID identifies a roadside sensor.
type DeviceID int64

// ObjectClass is the sensor-reported object category.
type ObjectClass uint8

const (
	ClassUnknown ObjectClass = iota
	ClassPedestrian
	ClassBike
	ClassMotorbike
	ClassCar
	ClassTruck
	ClassBus
	ClassLongTruck
)

var classNames = [...]string{"unknown", "pedestrian", "bike", "motorbike", "car", "truck", "bus", "long_truck"}

func (c ObjectClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// IsPedestrian reports whether c is the pedestrian class. Pedestrians are
// never associated with non-pedestrians.
func (c ObjectClass) IsPedestrian() bool { return c == ClassPedestrian }

// ErrInvalidDetection wraps every reason a detection is rejected on arrival.
var ErrInvalidDetection = errors.New("invalid detection")

// Detection is one object reported by one sensor at one instant. Heading is a
// compass bearing in degrees; speed is km/h. Range, Bearing, LanePosition and
// Stability are carried through untouched.
type Detection struct {
	DeviceID     DeviceID    `json:"device_id,omitempty"`
	LocalID      int32       `json:"local_id"`
	Class        ObjectClass `json:"class"`
	Lat          float64     `json:"lat"`
	Lon          float64     `json:"lon"`
	Heading      float64     `json:"heading_deg"`
	SpeedKmh     float64     `json:"speed_kmh"`
	Length       float64     `json:"length"`
	Width        float64     `json:"width"`
	Height       float64     `json:"height"`
	Range        float64     `json:"range_m,omitempty"`
	Bearing      float64     `json:"bearing_deg,omitempty"`
	LanePosition int32       `json:"lane_position,omitempty"`
	Stability    int32       `json:"stability,omitempty"`
}

// Position returns the detection's geodetic position at ground level.
func (d Detection) Position() geo.LLH {
	return geo.LLH{Lat: d.Lat, Lon: d.Lon}
}

// WithPosition returns a copy of d moved to (lat, lon).
func (d Detection) WithPosition(lat, lon float64) Detection {
	d.Lat = lat
	d.Lon = lon
	return d
}

// Validate reports whether d may enter the pipeline.
func (d Detection) Validate() error {
	if err := geo.ValidateLatLon(d.Lat, d.Lon); err != nil {
		return fmt.Errorf("%w: device %d id %d: %v", ErrInvalidDetection, d.DeviceID, d.LocalID, err)
	}
	if math.IsNaN(d.SpeedKmh) || math.IsInf(d.SpeedKmh, 0) || d.SpeedKmh < 0 {
		return fmt.Errorf("%w: device %d id %d: speed %v", ErrInvalidDetection, d.DeviceID, d.LocalID, d.SpeedKmh)
	}
	if math.IsNaN(d.Heading) || math.IsInf(d.Heading, 0) {
		return fmt.Errorf("%w: device %d id %d: heading %v", ErrInvalidDetection, d.DeviceID, d.LocalID, d.Heading)
	}
	return nil
}

// TimeInfo is the latency metadata a gateway attaches to frames delivered in
// a batch package. All fields are as reported by the gateway.
type TimeInfo struct {
	ReceiveSec     int64 `json:"erecv_timestamp_sec"`
	ReceiveUsec    int64 `json:"erecv_timestamp_usec"`
	CollectionSec  int64 `json:"collection_timestamp_sec"`
	CollectionUsec int64 `json:"collection_timestamp_usec"`
	TimestampSec   int64 `json:"timestamp_sec"`
	TimestampUsec  int64 `json:"timestamp_usec"`
}

// Frame is one device's detections at one timestamp (epoch milliseconds).
type Frame struct {
	DeviceID   DeviceID    `json:"device_id"`
	Timestamp  int64       `json:"timestamp_ms"`
	Detections []Detection `json:"detections"`
	TimeInfo   *TimeInfo   `json:"time_info,omitempty"`
}

// Rejection records a detection dropped by Sanitize.
type Rejection struct {
	Detection Detection
	Err       error
}

// Sanitize returns a copy of f holding only valid detections, each stamped
// with the frame's device id, plus the rejected ones.
func (f Frame) Sanitize() (Frame, []Rejection) {
	out := f
	out.Detections = make([]Detection, 0, len(f.Detections))
	var rejected []Rejection
	for _, d := range f.Detections {
		d.DeviceID = f.DeviceID
		if err := d.Validate(); err != nil {
			rejected = append(rejected, Rejection{Detection: d, Err: err})
			continue
		}
		out.Detections = append(out.Detections, d)
	}
	return out, rejected
}
