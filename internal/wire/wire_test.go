package wire_test

import (
	"testing"

	"github.com/dnsqperf/dnsqperf/internal/wire"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_buildQuery(t *testing.T) {
	ctx := wire.NewContext(false)
	defer ctx.Close()

	out, err := ctx.BuildRequest("example.com A", 42, false, false, nil)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(out))

	assert.Equal(t, uint16(42), msg.Id)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "example.com.", msg.Question[0].Name)
	assert.Equal(t, dns.TypeA, msg.Question[0].Qtype)
}

func TestContext_buildQuery_edns(t *testing.T) {
	ctx := wire.NewContext(false)

	out, err := ctx.BuildRequest("example.com AAAA", 7, true, true, nil)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(out))

	opt := msg.IsEdns0()
	require.NotNil(t, opt)
	assert.True(t, opt.Do())
}

func TestContext_buildQuery_malformed(t *testing.T) {
	ctx := wire.NewContext(false)

	_, err := ctx.BuildRequest("not-enough-fields", 1, false, false, nil)
	assert.ErrorIs(t, err, wire.ErrMalformedInput)

	_, err = ctx.BuildRequest("example.com NOTATYPE", 1, false, false, nil)
	assert.ErrorIs(t, err, wire.ErrMalformedInput)
}

func TestContext_buildUpdate(t *testing.T) {
	ctx := wire.NewContext(true)

	out, err := ctx.BuildRequest("host.example.com 300 IN A 10.0.0.1", 5, false, false, nil)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(out))

	assert.Equal(t, dns.OpcodeUpdate, msg.Opcode)
	require.Len(t, msg.Ns, 1)
}

func TestContext_buildRequest_withTSIG(t *testing.T) {
	ctx := wire.NewContext(false)

	key := wire.TSIGKey{Name: "key.example.com.", Secret: "c2VjcmV0", Algorithm: dns.HmacSHA256}

	out, err := ctx.BuildRequest("example.com A", 3, false, false, &key)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(out))
	require.NotEmpty(t, msg.Extra)
	assert.Equal(t, dns.TypeTSIG, msg.Extra[len(msg.Extra)-1].Header().Rrtype)
}

func TestParseTSIGKey(t *testing.T) {
	key, err := wire.ParseTSIGKey("myname:mysecret")
	require.NoError(t, err)
	assert.Equal(t, dns.HmacSHA256, key.Algorithm)
	assert.Equal(t, "mysecret", key.Secret)

	key, err = wire.ParseTSIGKey("hmac-sha512:myname:mysecret")
	require.NoError(t, err)
	assert.Equal(t, dns.HmacSHA512, key.Algorithm)

	_, err = wire.ParseTSIGKey("garbage")
	assert.ErrorIs(t, err, wire.ErrMalformedInput)
}

func TestRcodeStrings(t *testing.T) {
	names := wire.RcodeStrings()
	assert.Equal(t, "NOERROR", names[dns.RcodeSuccess])
	assert.Equal(t, "NXDOMAIN", names[dns.RcodeNameError])
}
