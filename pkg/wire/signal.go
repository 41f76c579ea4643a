package wire

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// DeviceType classifies a node. Standard types carry predefined signals for
// ease of integration; anything else uses one of the Custom types.
//
// JSON encodes device types as strings, MessagePack as integers.
type DeviceType uint8

const (
	// Common sensors
	DeviceSensorTemperature DeviceType = 1
	DeviceSensorHumidity    DeviceType = 2
	DeviceSensorPressure    DeviceType = 3
	DeviceSensorLight       DeviceType = 4
	DeviceSensorMotion      DeviceType = 5
	DeviceSensorVibration   DeviceType = 6
	DeviceSensorOccupancy   DeviceType = 7
	DeviceSensorSmoke       DeviceType = 8

	// Generic sensors
	DeviceSensorOnOff  DeviceType = 50
	DeviceSensorAnalog DeviceType = 51

	// Common actuators
	DeviceActuatorRelay  DeviceType = 100
	DeviceActuatorDimmer DeviceType = 101
	DeviceActuatorShade  DeviceType = 102
	DeviceActuatorValve  DeviceType = 103
	DeviceActuatorLock   DeviceType = 104
	DeviceActuatorFan    DeviceType = 105
	DeviceActuatorHeater DeviceType = 106
	DeviceActuatorLight  DeviceType = 107

	// Generic actuators
	DeviceActuatorOnOff  DeviceType = 150
	DeviceActuatorAnalog DeviceType = 151

	// Custom devices
	DeviceCustomSensor   DeviceType = 253
	DeviceCustomActuator DeviceType = 254
	DeviceCustomCombined DeviceType = 255
)

var deviceTypeNames = map[DeviceType]string{
	DeviceSensorTemperature: "sensor-temperature",
	DeviceSensorHumidity:    "sensor-humidity",
	DeviceSensorPressure:    "sensor-pressure",
	DeviceSensorLight:       "sensor-light",
	DeviceSensorMotion:      "sensor-motion",
	DeviceSensorVibration:   "sensor-vibration",
	DeviceSensorOccupancy:   "sensor-occupancy",
	DeviceSensorSmoke:       "sensor-smoke",
	DeviceSensorOnOff:       "sensor-onoff",
	DeviceSensorAnalog:      "sensor-analog",
	DeviceActuatorRelay:     "actuator-relay",
	DeviceActuatorDimmer:    "actuator-dimmer",
	DeviceActuatorShade:     "actuator-shade",
	DeviceActuatorValve:     "actuator-valve",
	DeviceActuatorLock:      "actuator-lock",
	DeviceActuatorFan:       "actuator-fan",
	DeviceActuatorHeater:    "actuator-heater",
	DeviceActuatorLight:     "actuator-light",
	DeviceActuatorOnOff:     "actuator-onoff",
	DeviceActuatorAnalog:    "actuator-analog",
	DeviceCustomSensor:      "custom-sensor",
	DeviceCustomActuator:    "custom-actuator",
	DeviceCustomCombined:    "custom-combined",
}

var deviceTypeValues = func() map[string]DeviceType {
	m := make(map[string]DeviceType, len(deviceTypeNames))
	for t, name := range deviceTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the device type name.
func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("device-type-%d", uint8(t))
}

// MarshalJSON encodes the device type as its string name.
func (t DeviceType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a device type from a string name or an integer.
func (t *DeviceType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, ok := deviceTypeValues[s]
		if !ok {
			return fmt.Errorf("unknown device type %q", s)
		}
		*t = v
		return nil
	}
	var n uint8
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid device type: %s", data)
	}
	*t = DeviceType(n)
	return nil
}

// SignalType identifies the kind of value a signal carries.
//
// JSON encodes signal types as strings, MessagePack as integers.
type SignalType uint8

const (
	SignalTemperature SignalType = 1   // Celsius
	SignalHumidity    SignalType = 2   // relative, %rh
	SignalPressure    SignalType = 3   // Pascal, absolute
	SignalLight       SignalType = 4   // Lux
	SignalMotion      SignalType = 5   // detected / not detected
	SignalOnOff       SignalType = 6   // on / off
	SignalState       SignalType = 253 // unspecified state byte
	SignalText        SignalType = 254 // UTF-8 text
	SignalBytes       SignalType = 255 // raw bytes
)

var signalTypeNames = map[SignalType]string{
	SignalTemperature: "temperature",
	SignalHumidity:    "humidity",
	SignalPressure:    "pressure",
	SignalLight:       "light",
	SignalMotion:      "motion",
	SignalOnOff:       "onoff",
	SignalState:       "state",
	SignalText:        "text",
	SignalBytes:       "bytes",
}

var signalTypeValues = func() map[string]SignalType {
	m := make(map[string]SignalType, len(signalTypeNames))
	for t, name := range signalTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the signal type name.
func (t SignalType) String() string {
	if name, ok := signalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("signal-type-%d", uint8(t))
}

// MarshalJSON encodes the signal type as its string name.
func (t SignalType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a signal type from a string name or an integer.
func (t *SignalType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, ok := signalTypeValues[s]
		if !ok {
			return fmt.Errorf("unknown signal type %q", s)
		}
		*t = v
		return nil
	}
	var n uint8
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid signal type: %s", data)
	}
	*t = SignalType(n)
	return nil
}

// SignalID identifies a signal on a node. Nodes choose either a small
// numeric identifier (compact, MessagePack-friendly) or a name. Names must
// not start with a digit, which is how the two forms are told apart on the
// wire.
type SignalID struct {
	Name string
	Num  uint8
}

// NumericSignal returns a numeric signal identifier.
func NumericSignal(n uint8) SignalID {
	return SignalID{Num: n}
}

// NamedSignal returns a named signal identifier.
func NamedSignal(name string) SignalID {
	return SignalID{Name: name}
}

// IsNamed reports whether the identifier is the named form.
func (s SignalID) IsNamed() bool {
	return s.Name != ""
}

// Validate checks the identifier. Named identifiers must not start with a
// digit.
func (s SignalID) Validate() error {
	if s.Name == "" {
		return nil
	}
	r := []rune(s.Name)[0]
	if unicode.IsDigit(r) {
		return fmt.Errorf("signal name %q must not start with a digit", s.Name)
	}
	return nil
}

// String returns the name or the decimal numeric form.
func (s SignalID) String() string {
	if s.IsNamed() {
		return s.Name
	}
	return fmt.Sprintf("%d", s.Num)
}

// MarshalJSON encodes the identifier as a string name or a number.
func (s SignalID) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.IsNamed() {
		return json.Marshal(s.Name)
	}
	return json.Marshal(s.Num)
}

// UnmarshalJSON decodes the identifier from a string name or a number.
func (s *SignalID) UnmarshalJSON(data []byte) error {
	var n uint8
	if err := json.Unmarshal(data, &n); err == nil {
		*s = NumericSignal(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("invalid signal id: %s", data)
	}
	id := NamedSignal(name)
	if err := id.Validate(); err != nil {
		return err
	}
	*s = id
	return nil
}

// EncodeMsgpack encodes the identifier as a string name or an integer.
func (s SignalID) EncodeMsgpack(e *msgpack.Encoder) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.IsNamed() {
		return e.EncodeString(s.Name)
	}
	return e.EncodeUint8(s.Num)
}

// DecodeMsgpack decodes the identifier from a string name or an integer.
func (s *SignalID) DecodeMsgpack(d *msgpack.Decoder) error {
	code, err := d.PeekCode()
	if err != nil {
		return err
	}
	if msgpcode.IsString(code) {
		name, err := d.DecodeString()
		if err != nil {
			return err
		}
		id := NamedSignal(name)
		if err := id.Validate(); err != nil {
			return err
		}
		*s = id
		return nil
	}
	n, err := d.DecodeUint8()
	if err != nil {
		return err
	}
	*s = NumericSignal(n)
	return nil
}

// Signal is a typed signal value.
type Signal struct {
	Type  SignalType `json:"typ" msgpack:"typ"`
	Value any        `json:"val,omitempty" msgpack:"val,omitempty"`
}

// Temperature returns a temperature signal in Celsius.
func Temperature(v float64) Signal { return Signal{Type: SignalTemperature, Value: v} }

// Humidity returns a relative humidity signal in %rh.
func Humidity(v float64) Signal { return Signal{Type: SignalHumidity, Value: v} }

// Pressure returns an absolute pressure signal in Pascal.
func Pressure(v float64) Signal { return Signal{Type: SignalPressure, Value: v} }

// Light returns an illuminance signal in Lux.
func Light(v float64) Signal { return Signal{Type: SignalLight, Value: v} }

// Motion returns a motion-detected signal.
func Motion(detected bool) Signal { return Signal{Type: SignalMotion, Value: detected} }

// OnOff returns an on/off signal.
func OnOff(on bool) Signal { return Signal{Type: SignalOnOff, Value: on} }

// State returns an unspecified state signal.
func State(v uint8) Signal { return Signal{Type: SignalState, Value: v} }

// Text returns a UTF-8 text signal.
func Text(s string) Signal { return Signal{Type: SignalText, Value: s} }

// Bytes returns a raw bytes signal.
func Bytes(b []byte) Signal { return Signal{Type: SignalBytes, Value: b} }

// Float64 returns the value as a float64. Codecs may deliver numbers in
// several widths, so all numeric forms are accepted.
func (s Signal) Float64() (float64, bool) {
	switch v := s.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int:
		return float64(v), true
	case uint8:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case uint16:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Bool returns the value as a bool.
func (s Signal) Bool() (bool, bool) {
	v, ok := s.Value.(bool)
	return v, ok
}

// SignalValue is one measured value pushed by a node.
type SignalValue struct {
	ID        SignalID   `json:"sid" msgpack:"sid"`
	Timestamp uint64     `json:"sts" msgpack:"sts"` // milliseconds since Unix epoch
	Status    StatusCode `json:"sst" msgpack:"sst"`
	Signal    Signal     `json:"sig" msgpack:"sig"`
}

// SignalConfig describes one signal a node exposes, reported in Details.
type SignalConfig struct {
	ID             SignalID   `json:"sid" msgpack:"sid"`
	Name           string     `json:"snam" msgpack:"snam"`
	Type           SignalType `json:"styp" msgpack:"styp"`
	Min            string     `json:"smin,omitempty" msgpack:"smin,omitempty"` // serialized as string
	Max            string     `json:"smax,omitempty" msgpack:"smax,omitempty"` // serialized as string
	UpdateInterval uint32     `json:"supd,omitempty" msgpack:"supd,omitempty"` // expected seconds between updates
}

// NowTimestamp returns the current time as a protocol timestamp
// (milliseconds since Unix epoch).
func NowTimestamp() uint64 {
	return uint64(time.Now().UnixMilli())
}
