package conversation

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Sep 会话 ID 分隔符，用户 ID 中不允许出现
const Sep = "_"

var ErrInvalid = errors.New("invalid conversation id")

// ID is a one-to-one conversation, participants kept in sorted order so
// New(a, b) == New(b, a). The zero value is invalid.
type ID struct {
	Lo string
	Hi string
}

func normPair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}

func New(a, b string) (ID, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return ID{}, errors.Wrap(ErrInvalid, "empty participant")
	}
	if a == b {
		return ID{}, errors.Wrapf(ErrInvalid, "self conversation %q", a)
	}
	if strings.Contains(a, Sep) || strings.Contains(b, Sep) {
		return ID{}, errors.Wrapf(ErrInvalid, "participant contains %q", Sep)
	}
	lo, hi := normPair(a, b)
	return ID{Lo: lo, Hi: hi}, nil
}

// Must is New for ids already known to be valid (tests, constants).
func Must(a, b string) ID {
	id, err := New(a, b)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse 解析 "lo_hi"
func Parse(s string) (ID, error) {
	parts := strings.Split(s, Sep)
	if len(parts) != 2 {
		return ID{}, errors.Wrapf(ErrInvalid, "%q", s)
	}
	id, err := New(parts[0], parts[1])
	if err != nil {
		return ID{}, err
	}
	if id.Lo != parts[0] {
		return ID{}, errors.Wrapf(ErrInvalid, "%q not canonical", s)
	}
	return id, nil
}

func (c ID) IsZero() bool { return c.Lo == "" && c.Hi == "" }

func (c ID) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Lo + Sep + c.Hi
}

func (c ID) Has(user string) bool { return user != "" && (user == c.Lo || user == c.Hi) }

// Other returns the participant that is not user.
func (c ID) Other(user string) (string, bool) {
	switch user {
	case c.Lo:
		return c.Hi, true
	case c.Hi:
		return c.Lo, true
	}
	return "", false
}

func (c ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*c = ID{}
		return nil
	}
	id, err := Parse(s)
	if err != nil {
		return err
	}
	*c = id
	return nil
}
