package smtp

import "testing"

func TestReplyString(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		want  string
	}{
		{
			name:  "single line with enhanced code",
			reply: Reply{Code: 250, Message: "OK"},
			want:  "250 2.0.0 OK\r\n",
		},
		{
			name:  "bare code without enhanced mapping",
			reply: Reply{Code: 538, Message: "Encryption required for requested authentication mechanism"},
			want:  "538 Encryption required for requested authentication mechanism\r\n",
		},
		{
			name:  "transient failure",
			reply: Reply{Code: 450, Message: "Greylisted, try again later"},
			want:  "450 4.2.0 Greylisted, try again later\r\n",
		},
		{
			name: "multi-line",
			reply: Reply{
				Code:    250,
				Lines:   []string{"mx.test Hello 192.0.2.1", "SIZE 1000"},
				Message: "DSN",
			},
			want: "250-2.0.0 mx.test Hello 192.0.2.1\r\n250-2.0.0 SIZE 1000\r\n250 2.0.0 DSN\r\n",
		},
		{
			name:  "help has no enhanced code",
			reply: Reply{Code: 214, Lines: []string{"Commands supported:"}, Message: "HELO EHLO"},
			want:  "214-Commands supported:\r\n214 HELO EHLO\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reply.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnhancedCodeTable(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{220, "2.0.0"},
		{235, "2.7.0"},
		{252, "2.5.3"},
		{421, "4.3.0"},
		{450, "4.2.0"},
		{452, "4.2.2"},
		{500, "5.5.2"},
		{501, "5.5.4"},
		{503, "5.5.1"},
		{530, "5.7.0"},
		{535, "5.7.8"},
		{550, "5.1.1"},
		{552, "5.2.2"},
		{554, "5.5.0"},
	}
	for _, tt := range tests {
		if got := enhancedCodes[tt.code]; got != tt.want {
			t.Errorf("enhancedCodes[%d] = %q, want %q", tt.code, got, tt.want)
		}
	}
	for _, bare := range []int{214, 334, 454, 538} {
		if got, ok := enhancedCodes[bare]; ok {
			t.Errorf("code %d should be bare, has %q", bare, got)
		}
	}
}
