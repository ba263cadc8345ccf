// Copyright 2024-2026 Aiku AI

package threema

import "testing"

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x01, 'h', 'i'})
	f.Add(groupPayload(TypeGroupText, "CREATOR1", testGroupID, []byte("x")))
	f.Add(append([]byte{byte(TypeGroupCreate)}, make([]byte, 24)...))
	f.Add([]byte{byte(TypeGroupRename), 1, 2})
	f.Add([]byte{byte(TypeGroupFile)})
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Decode(testEnv, data)
		if err == nil && msg == nil {
			t.Fatal("Decode returned neither message nor error")
		}
	})
}

func FuzzParseGroupID(f *testing.F) {
	f.Add("1 2 3 4 5 6 7 8")
	f.Add("")
	f.Add("255 255 255 255 255 255 255 256")
	f.Fuzz(func(t *testing.T, s string) {
		gid, err := ParseGroupID(s)
		if err != nil {
			return
		}
		if gid.String() != s {
			// Leading zeros are accepted on input but not produced on output.
			again, err := ParseGroupID(gid.String())
			if err != nil || again != gid {
				t.Fatalf("round trip of %q failed: %v", s, err)
			}
		}
	})
}
