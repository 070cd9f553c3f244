package proc

import (
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
)

type procDispatcher struct {
	desc    string
	handler func(eng *Engine, e *env.Environment, p llcp.PDU) error
}

var dispatcher = map[llcp.Opcode]procDispatcher{
	llcp.OpConnectionUpdateInd:  {"connection update ind", (*Engine).onConnectionUpdate},
	llcp.OpChannelMapInd:        {"channel map ind", (*Engine).onChannelMap},
	llcp.OpTerminateInd:         {"terminate ind", (*Engine).onTerminate},
	llcp.OpEncReq:               {"enc req", (*Engine).onEncReq},
	llcp.OpEncRsp:               {"enc rsp", (*Engine).onEncRsp},
	llcp.OpStartEncReq:          {"start enc req", (*Engine).onStartEncReq},
	llcp.OpStartEncRsp:          {"start enc rsp", (*Engine).onStartEncRsp},
	llcp.OpUnknownRsp:           {"unknown rsp", (*Engine).onUnknown},
	llcp.OpFeatureReq:           {"feature req", (*Engine).onFeatureReq},
	llcp.OpFeatureRsp:           {"feature rsp", (*Engine).onFeatureRsp},
	llcp.OpPauseEncReq:          {"pause enc req", (*Engine).onPauseEncReq},
	llcp.OpPauseEncRsp:          {"pause enc rsp", (*Engine).onPauseEncRsp},
	llcp.OpVersionInd:           {"version ind", (*Engine).onVersion},
	llcp.OpRejectInd:            {"reject ind", (*Engine).onReject},
	llcp.OpPeripheralFeatureReq: {"peripheral feature req", (*Engine).onFeatureReq},
	llcp.OpConnectionParamReq:   {"connection param req", (*Engine).onConnectionParamReq},
	llcp.OpConnectionParamRsp:   {"connection param rsp", (*Engine).onConnectionParamRsp},
	llcp.OpRejectExtInd:         {"reject ext ind", (*Engine).onRejectExt},
	llcp.OpPingReq:              {"ping req", (*Engine).onPingReq},
	llcp.OpPingRsp:              {"ping rsp", (*Engine).onPingRsp},
	llcp.OpLengthReq:            {"length req", (*Engine).onLengthReq},
	llcp.OpLengthRsp:            {"length rsp", (*Engine).onLengthRsp},
}
