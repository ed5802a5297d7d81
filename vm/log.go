package vm

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("tiervm.vm")

const debugLevel = commonlog.Debug
