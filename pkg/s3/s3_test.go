package s3

import "testing"

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{raw: "s3://images/uploads/42/cat.jpg", wantBucket: "images", wantKey: "uploads/42/cat.jpg"},
		{raw: "s3://images/cat.jpg", wantBucket: "images", wantKey: "cat.jpg"},
		{raw: "s3://images/", wantErr: true},
		{raw: "s3:///cat.jpg", wantErr: true},
		{raw: "https://images.s3.amazonaws.com/cat.jpg", wantErr: true},
		{raw: "cat.jpg", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := ParseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseURL(%q) = %q, %q, want error", tt.raw, bucket, key)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL(%q) error = %v", tt.raw, err)
			}
			if bucket != tt.wantBucket || key != tt.wantKey {
				t.Errorf("ParseURL(%q) = %q, %q, want %q, %q", tt.raw, bucket, key, tt.wantBucket, tt.wantKey)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("a/b.PNG"); got != "image/png" {
		t.Errorf("contentType(png) = %q", got)
	}
	if got := contentType("a/b.jpg"); got != "image/jpeg" {
		t.Errorf("contentType(jpg) = %q", got)
	}
}
