package app

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" This process is ONE callable peer.")
	log.Info(" Different folder/config = different identity.")
	log.Info("────────────────────────────────────────")
}
