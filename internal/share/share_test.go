package share

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistrySeedsIPCShare(t *testing.T) {
	r := NewRegistry()
	s, err := r.LookupShare("ipc$")
	require.NoError(t, err)
	require.Equal(t, IPCShareName, s.Name)
	require.True(t, s.GuestOK)
}

func TestAddShareIsCaseInsensitiveAndUnique(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddShare(&Share{Name: "Public", Available: true}))
	err := r.AddShare(&Share{Name: "PUBLIC"})
	require.ErrorIs(t, err, ErrExists)

	s, err := r.LookupShare("public")
	require.NoError(t, err)
	require.Equal(t, "Public", s.Name)
}

func TestRemoveAndReAddYieldsFreshShare(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddShare(&Share{Name: "Data", Available: true}))
	require.NoError(t, r.RemoveShare("data"))
	require.NoError(t, r.AddShare(&Share{Name: "Data", Available: true}))

	s, err := r.LookupShare("data")
	require.NoError(t, err)
	require.Equal(t, 0, s.connCount())
}

func TestAuthorizeDenyByHost(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true, AllowHosts: []string{"10.0.0.1"}, ValidUsers: nil}
	require.NoError(t, r.AddShare(s))

	peer := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 54321}
	_, _, err := r.Authorize(Principal{Username: "alice", PeerAddr: peer}, "S")
	require.ErrorIs(t, err, ErrAccessDenied)
	require.Equal(t, 0, s.connCount())
}

func TestAuthorizeAllowedHostPasses(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true, AllowHosts: []string{"10.0.0.1"}}
	require.NoError(t, r.AddShare(s))

	peer := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	_, _, err := r.Authorize(Principal{Username: "alice", PeerAddr: peer}, "S")
	require.NoError(t, err)
	require.Equal(t, 1, s.connCount())
}

func TestWritabilityDemotionAndPromotion(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true, Writeable: true, ReadList: []string{"alice"}, WriteList: []string{"bob"}}
	require.NoError(t, r.AddShare(s))

	_, canWrite, err := r.Authorize(Principal{Username: "alice"}, "S")
	require.NoError(t, err)
	require.False(t, canWrite)

	_, canWrite, err = r.Authorize(Principal{Username: "bob"}, "S")
	require.NoError(t, err)
	require.True(t, canWrite)
}

func TestInvalidUserDenied(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true, InvalidUsers: []string{"eve"}}
	require.NoError(t, r.AddShare(s))

	_, _, err := r.Authorize(Principal{Username: "eve"}, "S")
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestValidUsersRestrictsMembership(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true, ValidUsers: []string{"alice"}}
	require.NoError(t, r.AddShare(s))

	_, _, err := r.Authorize(Principal{Username: "mallory"}, "S")
	require.ErrorIs(t, err, ErrAccessDenied)

	_, _, err = r.Authorize(Principal{Username: "alice"}, "S")
	require.NoError(t, err)
}

func TestGuestOKBypassesInvalidUsersForNonGuestPrincipal(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true, GuestOK: true, Writeable: true, InvalidUsers: []string{"eve"}}
	require.NoError(t, r.AddShare(s))

	_, canWrite, err := r.Authorize(Principal{Username: "eve"}, "S")
	require.NoError(t, err)
	require.True(t, canWrite)
}

func TestRemoveBusyShareFails(t *testing.T) {
	r := NewRegistry()
	s := &Share{Name: "S", Available: true}
	require.NoError(t, r.AddShare(s))
	_, _, err := r.Authorize(Principal{Username: "alice"}, "S")
	require.NoError(t, err)

	err = r.RemoveShare("S")
	require.ErrorIs(t, err, ErrBusy)

	r.Release(s)
	require.NoError(t, r.RemoveShare("S"))
}

func TestVetoFileFiltersCompileAndMatch(t *testing.T) {
	filters := CompileVetoFilters("/*.tmp/*.bak/secret.doc/")
	require.True(t, Matches(filters, "report.tmp"))
	require.True(t, Matches(filters, "old.bak"))
	require.True(t, Matches(filters, "secret.doc"))
	require.False(t, Matches(filters, "report.doc"))
}

func TestParseShareBlobRoundTrip(t *testing.T) {
	blob := "sharename = Public<path = /srv/public<writeable = yes<read list = alice bob<veto files = /*.tmp/"
	var unknownKeys []string
	s, err := ParseShareBlob(blob, func(k string) { unknownKeys = append(unknownKeys, k) })
	require.NoError(t, err)
	require.Empty(t, unknownKeys)
	require.Equal(t, "Public", s.Name)
	require.Equal(t, "/srv/public", s.Path)
	require.True(t, s.Writeable)
	require.Equal(t, []string{"alice", "bob"}, s.ReadList)
	require.Len(t, s.VetoFilters, 1)
}

func TestParseShareBlobUnknownKeyIsSkippedNotFatal(t *testing.T) {
	s, err := ParseShareBlob("sharename = S<bogus option = 1", func(string) {})
	require.NoError(t, err)
	require.Equal(t, "S", s.Name)
}

func TestParseShareBlobMissingNameFails(t *testing.T) {
	_, err := ParseShareBlob("comment = hi", nil)
	require.Error(t, err)
}

func TestParseShareBlobBadBooleanRollsBack(t *testing.T) {
	_, err := ParseShareBlob("sharename = S<writeable = maybe", nil)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestWriteableMandatoryAndEnableBothNormalizeToTrue(t *testing.T) {
	s1, err := ParseShareBlob("sharename = S<writeable = mandatory", nil)
	require.NoError(t, err)
	require.True(t, s1.Writeable)

	s2, err := ParseShareBlob("sharename = S<writeable = enable", nil)
	require.NoError(t, err)
	require.True(t, s2.Writeable)
}
