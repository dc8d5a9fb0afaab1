package firmware

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunUpload pre-checks the remote node's running CRC and version
// against plan and, if either differs, drives the full
// metadata→start→chunks→finalize sequence over transport. ctx is
// updated as the transfer proceeds so a ProgressMonitor can observe
// it concurrently.
func RunUpload(plan UploadPlan, transport Transport, ctx *UploadContext) error {
	logger := log.WithField("node_id", plan.NodeId)

	remoteCRC, crcErr := transport.QueryCRC(plan.NodeId)
	remoteVersion, versionErr := transport.QueryVersion(plan.NodeId)

	switch {
	case crcErr != nil || versionErr != nil:
		logger.Warn("pre-check query failed, proceeding with upload")
	case remoteCRC == plan.CRC && remoteVersion == plan.Version:
		logger.Info("firmware already current, skipping upload")
		ctx.markCompleted()
		return nil
	case remoteCRC == plan.CRC:
		logger.WithFields(log.Fields{"remote_version": remoteVersion, "local_version": plan.Version}).Info("CRC matches but version differs")
	case remoteVersion == plan.Version:
		logger.WithFields(log.Fields{"remote_crc": remoteCRC, "local_crc": plan.CRC}).Info("version matches but CRC differs")
	default:
		logger.WithFields(log.Fields{
			"remote_crc": remoteCRC, "local_crc": plan.CRC,
			"remote_version": remoteVersion, "local_version": plan.Version,
		}).Info("both CRC and version differ")
	}

	if err := transport.SendMetadata(plan.NodeId, uint32(len(plan.Payload)), plan.CRC, plan.ImageType, plan.TargetBank, plan.Version); err != nil {
		ctx.markFailed("Metadata failed")
		return fmt.Errorf("send metadata: %w", err)
	}

	if err := transport.SendStart(plan.NodeId); err != nil {
		ctx.markFailed("Start cmd failed")
		return fmt.Errorf("send start: %w", err)
	}

	for _, chunk := range plan.Chunks() {
		if err := transport.SendChunk(plan.NodeId, chunk); err != nil {
			ctx.markFailed("Chunk failed")
			return fmt.Errorf("send chunk: %w", err)
		}
		ctx.addSent(len(chunk))
		time.Sleep(time.Millisecond) // yield between chunks so peer workers can proceed
	}

	if err := transport.SendFinalize(plan.NodeId, plan.CRC); err != nil {
		ctx.markFailed("Finalize failed")
		return fmt.Errorf("send finalize: %w", err)
	}

	logger.Info("firmware upload complete")
	ctx.markCompleted()
	return nil
}
