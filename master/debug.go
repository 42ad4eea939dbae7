// Copyright 2024 The Masterd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package master

import (
	"context"
	"fmt"
	"io"
)

// debugDumpReq asks the loop to render its own MasterState. It travels
// through the mailbox like any other request so the dump is point-in-time
// consistent with the single-writer discipline.
type debugDumpReq struct{ reply chan result[string] }

// WriteDebugInfo dumps this Loop's MasterState to w for operational
// debugging, redacting UserState since the core never interprets it and
// it may be arbitrarily large or sensitive.
func (l *Loop) WriteDebugInfo(ctx context.Context, w io.Writer) error {
	reply := make(chan result[string], 1)
	dump, err := sendRecv(ctx, l.mailbox, &debugDumpReq{reply: reply}, reply)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, dump)
	return err
}

func (l *Loop) handleDebugDump(req *debugDumpReq) {
	s := l.state
	actors := 0
	if s.ActorIndex != nil {
		actors = s.ActorIndex.Len()
	}
	dump := fmt.Sprintf(
		"service=%s is_leader=%t leader_host=%s version_hash=%s followers=%d nodes=%d instances=%d actors=%d user_state=<redacted>\n",
		s.ServiceID, s.IsLeader.Load(), s.LeaderHost, s.Spec.VersionHash, len(s.Followers), len(s.Nodes), len(s.Instances), actors)
	req.reply <- result[string]{Val: dump}
}
