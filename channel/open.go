package channel

// doOpenActions runs once, the first time a channel transitions
// OPENING -> OPEN (spec §4.6 "channel_do_open_actions"). A later MAINT ->
// OPEN transition never calls this again.
//
// For a locally-initiated channel (we dialed out), a successful handshake
// is reported to the guard subsystem; if the guard subsystem rejects the
// channel as unusable (e.g. the wrong identity answered), pending circuits
// are told the channel will never be usable, but the channel itself stays
// OPEN rather than closing, since a non-guard caller may still be able to
// use it directly. Whether or not the guard subsystem accepts it, the
// peer's router descriptor is then marked reachable.
//
// For a remotely-initiated channel (a peer dialed us), geoip bookkeeping
// records the client sighting.
//
// In both cases, the circuit layer is finally told it may build over this
// channel, unless the guard subsystem rejected it or there was no
// circuit-layer collaborator configured at all.
func (ch *Channel) doOpenActions() {
	digest, hasIdentity := ch.IdentityDigest()
	remote := ch.InitiatedRemotely()
	suppressed := false

	if !remote {
		if ch.guards != nil && hasIdentity {
			if err := ch.guards.RegisterConnectStatus(digest, true); err != nil {
				suppressed = true
				if ch.circuits != nil {
					ch.circuits.NChanDone(ch, false)
				}
				ch.log.Warn("channel rejected by guard subsystem, remaining open",
					"channel", ch.id, "err", err)
			}
		}
		if ch.routers != nil && hasIdentity {
			ch.routers.SetReachable(digest)
		}
	} else if ch.geoip != nil && hasIdentity {
		ch.geoip.NoteClientSeen(digest, ch.RemoteAddr())
	}

	if !suppressed && ch.circuits != nil {
		ch.circuits.NotifyOpen(ch)
	}
}
