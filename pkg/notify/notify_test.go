package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_DeliversInOrder(t *testing.T) {
	c := NewChannel(4)
	c.Notify(Notice{Message: "a", Severity: SeverityInfo})
	c.Notify(Notice{Message: "b", Severity: SeverityError})

	assert.Equal(t, "a", (<-c.C()).Message)
	n := <-c.C()
	assert.Equal(t, "b", n.Message)
	assert.Equal(t, SeverityError, n.Severity)
}

func TestChannel_DropsOldestWhenFull(t *testing.T) {
	c := NewChannel(2)
	c.Notify(Notice{Message: "1"})
	c.Notify(Notice{Message: "2"})
	c.Notify(Notice{Message: "3"})

	assert.Equal(t, "2", (<-c.C()).Message)
	assert.Equal(t, "3", (<-c.C()).Message)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	c := NewChannel(1)
	var seen []string
	c.OnSend(func(n Notice) { seen = append(seen, n.Message) })
	c.Notify(Notice{Message: "x"})
	c.Close()
	c.Close()
	c.Notify(Notice{Message: "после закрытия"})

	n, ok := <-c.C()
	require.True(t, ok)
	assert.Equal(t, "x", n.Message)
	_, ok = <-c.C()
	assert.False(t, ok)
	assert.Equal(t, []string{"x"}, seen)
}
