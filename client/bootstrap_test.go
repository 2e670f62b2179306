package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgrlink/errs"
	"msgrlink/session"
)

func TestParseBootstrap(t *testing.T) {
	t.Parallel()

	primary := session.Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: "s"}}
	secondary := primary.Set(session.Cookie{Key: "i_user", Value: "2"})

	cases := []struct {
		name     string
		html     string
		sess     session.Session
		override string
		want     Bootstrap
	}{
		{
			name: "escaped endpoint with region",
			html: `{"endpoint":"wss:\/\/edge.example.test\/chat?region=odn&sid=1"} ["DTSGInitialData",[],{"token":"abc"}]`,
			sess: primary,
			want: Bootstrap{UserID: "1", Endpoint: "wss://edge.example.test/chat?region=odn&sid=1", Region: "ODN", Token: "abc"},
		},
		{
			name: "default region and form token",
			html: `{"endpoint":"wss:\/\/edge.example.test\/chat"} <input name="fb_dtsg" value="form-tok">`,
			sess: primary,
			want: Bootstrap{UserID: "1", Endpoint: "wss://edge.example.test/chat", Region: "PRN", Token: "form-tok"},
		},
		{
			name:     "override wins",
			html:     `{"endpoint":"wss:\/\/edge.example.test\/chat?region=odn"}`,
			sess:     primary,
			override: "ash",
			want:     Bootstrap{UserID: "1", Endpoint: "wss://edge.example.test/chat?region=odn", Region: "ASH"},
		},
		{
			name: "secondary identity acts",
			html: `<input name="dtsg_ag" value="ag-tok">`,
			sess: secondary,
			want: Bootstrap{UserID: "2", SecondaryUserID: "2", Region: "PRN", Token: "ag-tok"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseBootstrap(tc.html, tc.sess, tc.override)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseBootstrap_Errors(t *testing.T) {
	t.Parallel()

	_, err := ParseBootstrap(`<a href="/checkpoint/block/?next=x">`, session.Session{{Key: "c_user", Value: "1"}}, "")
	require.ErrorIs(t, err, ErrCheckpoint)
	require.ErrorIs(t, err, errs.ErrSafetyAlert)

	_, err = ParseBootstrap(`{}`, session.Session{{Key: "xs", Value: "s"}}, "")
	require.ErrorIs(t, err, errs.ErrSessionInvalid)
}
