package logx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnonymizeIP(t *testing.T) {
	req := require.New(t)

	req.Equal("203.0.113.0", AnonymizeIP("203.0.113.42:5555"))
	req.Equal("203.0.113.0", AnonymizeIP("203.0.113.42"))
	req.Equal("127.0.0.1", AnonymizeIP("127.0.0.1:80"))
	req.Equal("2001:db8:1:2::", AnonymizeIP("[2001:db8:1:2:3:4:5:6]:443"))
	req.Equal("unknown_ip", AnonymizeIP("not an ip"))
}
