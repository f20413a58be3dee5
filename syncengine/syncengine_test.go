package syncengine

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// the queue relies on this to keep action ids sortable per device

	a := NewId()
	for i := 0; i < 4096; i++ {
		b := NewId()
		assert.Equal(t, a == b, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	parsed, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, test1.A)
}

func TestMatchTopic(t *testing.T) {
	assert.Equal(t, MatchTopic("abc"), "match:abc")
}
