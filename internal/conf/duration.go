package conf

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

var reDays = regexp.MustCompile("^(-?[0-9]+)d")

// Duration is a duration that is marshaled as a string and supports days.
type Duration time.Duration

func (d Duration) String() string {
	negative := d < 0
	if negative {
		d = -d
	}

	const day = Duration(24 * time.Hour)
	days := d / day
	rest := d % day

	ret := ""
	if negative {
		ret += "-"
	}
	if days > 0 {
		ret += strconv.FormatInt(int64(days), 10) + "d"
	}
	if rest != 0 || days == 0 {
		ret += time.Duration(rest).String()
	}

	return ret
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(in string) error {
	negative := false
	var days int64

	if m := reDays.FindStringSubmatch(in); m != nil {
		days, _ = strconv.ParseInt(m[1], 10, 64)
		if days < 0 {
			negative = true
			days = -days
		}
		in = in[len(m[0]):]
	}

	var rest time.Duration
	if in != "" {
		var err error
		rest, err = time.ParseDuration(in)
		if err != nil {
			return err
		}
	}

	rest += time.Duration(days) * 24 * time.Hour
	if negative {
		rest = -rest
	}

	*d = Duration(rest)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	return d.parse(in)
}

// UnmarshalEnv implements env.Unmarshaler.
func (d *Duration) UnmarshalEnv(_ string, v string) error {
	return d.parse(v)
}
